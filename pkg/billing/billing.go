// Package billing aggregates usage records emitted by service adapters.
//
// Records are keyed two levels deep: a billing id (tenant or call) owns a
// bucket of (service, scope, name) keys, each holding one aggregated value.
// Collect drains a bucket and regroups it by (service, scope) into reports
// ready for delivery as billingRecords events or persistence.
package billing

import (
	"fmt"
	"sync"

	"github.com/audioknife/audioknife/pkg/protocol"
)

// Collector is the shared aggregation point for all conversations of a
// process. Safe for concurrent use; the mutex is held only for map work.
type Collector struct {
	mu      sync.Mutex
	buckets map[string]map[recordKey]protocol.BillingRecord
}

type recordKey struct {
	service string
	scope   string
	name    string
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{buckets: make(map[string]map[recordKey]protocol.BillingRecord)}
}

// Record aggregates one record under the billing id. Same-kind values sum;
// mixing count and duration on the same (service, scope, name) key fails.
// Zero-valued records are dropped without touching the bucket.
func (c *Collector) Record(id, service, scope string, record protocol.BillingRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if record.IsZero() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.buckets[id]
	if bucket == nil {
		bucket = make(map[recordKey]protocol.BillingRecord)
		c.buckets[id] = bucket
	}

	k := recordKey{service: service, scope: scope, name: record.Name}
	existing, ok := bucket[k]
	if !ok {
		bucket[k] = record
		return nil
	}
	sum, err := existing.Add(record)
	if err != nil {
		return fmt.Errorf("billing: aggregate %q for service %q: %w", record.Name, service, err)
	}
	bucket[k] = sum
	return nil
}

// Report is one (service, scope) group of aggregated records.
type Report struct {
	Service string                   `json:"service"`
	Scope   string                   `json:"scope"`
	Records []protocol.BillingRecord `json:"records"`
}

// Collect removes the id's bucket and regroups it by (service, scope).
// Ordering of reports and of records within a report is unspecified. A
// missing or empty bucket yields nil.
func (c *Collector) Collect(id string) []Report {
	c.mu.Lock()
	bucket := c.buckets[id]
	delete(c.buckets, id)
	c.mu.Unlock()

	if len(bucket) == 0 {
		return nil
	}

	type groupKey struct{ service, scope string }
	groups := make(map[groupKey][]protocol.BillingRecord)
	for k, record := range bucket {
		gk := groupKey{service: k.service, scope: k.scope}
		groups[gk] = append(groups[gk], record)
	}

	reports := make([]Report, 0, len(groups))
	for gk, records := range groups {
		reports = append(reports, Report{Service: gk.service, Scope: gk.scope, Records: records})
	}
	return reports
}

// PendingIDs returns the number of billing ids with uncollected records.
func (c *Collector) PendingIDs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
