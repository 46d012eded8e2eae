// Package dns keeps external DNS in sync with deployments. A provider per
// zone creates and deletes records at the DNS host; the manager pairs every
// domain with an A and an AAAA record pointing at this server and tracks
// them in the store.
package dns

import (
	"context"
	"fmt"
)

const (
	RecordTypeA    = "A"
	RecordTypeAAAA = "AAAA"
)

// Record is a provider-side DNS record.
type Record struct {
	ProviderRecordID string
	Name             string
	Type             string
	Content          string
}

// Provider is one DNS zone's API surface.
type Provider interface {
	CreateRecord(ctx context.Context, name, recordType, content string) (*Record, error)
	DeleteRecord(ctx context.Context, providerRecordID string) error
	ListRecords(ctx context.Context) ([]Record, error)
}

// ErrNoProviderForDomain reports a domain outside every configured zone.
type ErrNoProviderForDomain struct {
	Domain string
}

func (e *ErrNoProviderForDomain) Error() string {
	return fmt.Sprintf("no dns provider configured for domain %s", e.Domain)
}
