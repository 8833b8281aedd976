package protocol

import (
	"fmt"
	"time"
)

// BillingRecord is one named usage value. Exactly one of Count or Duration is
// set; the two kinds never mix on the same record and aggregation across
// kinds is rejected by the collector.
type BillingRecord struct {
	Name     string    `json:"name"`
	Count    *int64    `json:"count,omitempty"`
	Duration *Duration `json:"duration,omitempty"`
}

// CountRecord builds a count-valued record.
func CountRecord(name string, n int64) BillingRecord {
	return BillingRecord{Name: name, Count: &n}
}

// DurationRecord builds a duration-valued record.
func DurationRecord(name string, d time.Duration) BillingRecord {
	wire := Duration(d)
	return BillingRecord{Name: name, Duration: &wire}
}

// Validate rejects records that set both kinds or neither.
func (r BillingRecord) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("protocol: billing record without name")
	}
	if r.Count != nil && r.Duration != nil {
		return fmt.Errorf("protocol: billing record %q sets both count and duration", r.Name)
	}
	if r.Count == nil && r.Duration == nil {
		return fmt.Errorf("protocol: billing record %q sets neither count nor duration", r.Name)
	}
	return nil
}

// IsZero reports whether the record's value is zero. Zero records are dropped
// at emission and never reach the collector or the client.
func (r BillingRecord) IsZero() bool {
	if r.Count != nil {
		return *r.Count == 0
	}
	if r.Duration != nil {
		return *r.Duration == 0
	}
	return true
}

// CountValue returns the count and whether the record is count-valued.
func (r BillingRecord) CountValue() (int64, bool) {
	if r.Count == nil {
		return 0, false
	}
	return *r.Count, true
}

// DurationValue returns the duration and whether the record is
// duration-valued.
func (r BillingRecord) DurationValue() (time.Duration, bool) {
	if r.Duration == nil {
		return 0, false
	}
	return time.Duration(*r.Duration), true
}

// Add merges another record of the same value kind into a copy of r. Count
// adds to count, duration to duration; mixing kinds fails.
func (r BillingRecord) Add(other BillingRecord) (BillingRecord, error) {
	switch {
	case r.Count != nil && other.Count != nil:
		sum := *r.Count + *other.Count
		return BillingRecord{Name: r.Name, Count: &sum}, nil
	case r.Duration != nil && other.Duration != nil:
		sum := *r.Duration + *other.Duration
		return BillingRecord{Name: r.Name, Duration: &sum}, nil
	default:
		return BillingRecord{}, fmt.Errorf("protocol: billing record %q: cannot combine count and duration values", r.Name)
	}
}
