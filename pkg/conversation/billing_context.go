package conversation

import (
	"errors"

	"github.com/audioknife/audioknife/pkg/billing"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// BillingContext attributes a conversation's usage records to a billing id
// and a service name. It is copied by value; the service name is the only
// field that changes between copies (nested conversations re-attribute to the
// nested service via WithService). The collector handle is shared.
type BillingContext struct {
	ID        string
	Service   string
	Collector *billing.Collector
}

// WithService returns a copy attributed to another service.
func (b BillingContext) WithService(service string) BillingContext {
	b.Service = service
	return b
}

// recordAll aggregates records under the context's id and service.
func (b *BillingContext) recordAll(scope string, records []protocol.BillingRecord) error {
	if b.Collector == nil {
		return errors.New("conversation: billing context without collector")
	}
	var errs []error
	for _, r := range records {
		if err := b.Collector.Record(b.ID, b.Service, scope, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
