package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scottylabs/kennel/internal/config"
	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/store"
)

// Manager maps zones to providers and mirrors every managed record in the
// store. Each domain gets a paired A and AAAA record pointing at this
// server's addresses.
type Manager struct {
	providers map[string]Provider
	store     *store.Store
	ipv4      string
	ipv6      string
	log       *slog.Logger
}

func NewManager(providers map[string]Provider, st *store.Store, serverIPv4, serverIPv6 string, log *slog.Logger) *Manager {
	return &Manager{
		providers: providers,
		store:     st,
		ipv4:      serverIPv4,
		ipv6:      serverIPv6,
		log:       log.With(slog.String("component", "dns")),
	}
}

// NewManagerFromConfig builds the manager from the daemon configuration,
// returning nil when DNS integration is disabled.
func NewManagerFromConfig(cfg *config.Config, st *store.Store, log *slog.Logger) (*Manager, error) {
	if !cfg.DNSEnabled {
		return nil, nil
	}

	var zones map[string]string
	if err := json.Unmarshal([]byte(cfg.DNSCloudflareZones), &zones); err != nil {
		return nil, fmt.Errorf("parse DNS_CLOUDFLARE_ZONES: %w", err)
	}

	providers := make(map[string]Provider, len(zones))
	for zone, zoneID := range zones {
		providers[zone] = NewCloudflareProvider(cfg.CloudflareAPIToken, zoneID)
	}
	return NewManager(providers, st, cfg.DNSServerIPv4, cfg.DNSServerIPv6, log), nil
}

// providerFor picks the zone with the longest matching suffix, so a
// dedicated zone for app.example.org wins over the example.org zone.
func (m *Manager) providerFor(domain string) (Provider, error) {
	var best Provider
	bestLen := -1
	for zone, provider := range m.providers {
		if (domain == zone || strings.HasSuffix(domain, "."+zone)) && len(zone) > bestLen {
			best = provider
			bestLen = len(zone)
		}
	}
	if best == nil {
		return nil, &ErrNoProviderForDomain{Domain: domain}
	}
	return best, nil
}

// CreateRecordsForDeployment creates the A and AAAA pair for one deployment
// domain and records both rows.
func (m *Manager) CreateRecordsForDeployment(ctx context.Context, deploymentID int64, domain string) error {
	if err := m.createPair(ctx, domain, &deploymentID); err != nil {
		return err
	}
	m.log.Info("dns records created", logfields.DeploymentID(deploymentID), logfields.Domain(domain))
	return nil
}

// DeleteRecordsForDeployment removes every record tracked for the
// deployment. A provider-side failure is logged and the row removed anyway;
// the orphan sweep catches stragglers.
func (m *Manager) DeleteRecordsForDeployment(ctx context.Context, deploymentID int64) error {
	records, err := m.store.DNSRecords.FindByDeploymentID(ctx, deploymentID)
	if err != nil {
		return err
	}
	return m.deleteRecords(ctx, records)
}

// CreateWildcardForProject creates *.{project}.{baseDomain} so generated
// branch domains resolve without per-deployment records.
func (m *Manager) CreateWildcardForProject(ctx context.Context, project, baseDomain string) error {
	wildcard := fmt.Sprintf("*.%s.%s", project, baseDomain)
	if err := m.createPair(ctx, wildcard, nil); err != nil {
		return err
	}
	m.log.Info("wildcard dns created", logfields.Project(project), logfields.Domain(wildcard))
	return nil
}

// DeleteWildcardForProject removes the project's wildcard records.
func (m *Manager) DeleteWildcardForProject(ctx context.Context, project, baseDomain string) error {
	wildcard := fmt.Sprintf("*.%s.%s", project, baseDomain)
	records, err := m.store.DNSRecords.FindByDomain(ctx, wildcard)
	if err != nil {
		return err
	}
	return m.deleteRecords(ctx, records)
}

func (m *Manager) createPair(ctx context.Context, domain string, deploymentID *int64) error {
	provider, err := m.providerFor(domain)
	if err != nil {
		return err
	}

	for _, rec := range []struct{ recordType, content string }{
		{RecordTypeA, m.ipv4},
		{RecordTypeAAAA, m.ipv6},
	} {
		created, err := provider.CreateRecord(ctx, domain, rec.recordType, rec.content)
		if err != nil {
			return err
		}
		err = m.store.DNSRecords.Create(ctx, store.DNSRecord{
			Domain:           domain,
			DeploymentID:     deploymentID,
			ProviderRecordID: created.ProviderRecordID,
			RecordType:       rec.recordType,
			IPAddress:        rec.content,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteRecords(ctx context.Context, records []store.DNSRecord) error {
	for _, rec := range records {
		provider, err := m.providerFor(rec.Domain)
		if err != nil {
			m.log.Warn("no provider for tracked record", logfields.Domain(rec.Domain))
		} else if err := provider.DeleteRecord(ctx, rec.ProviderRecordID); err != nil {
			m.log.Error("provider-side record deletion failed",
				logfields.Domain(rec.Domain), slog.String("record_id", rec.ProviderRecordID), logfields.Error(err))
		}
		if err := m.store.DNSRecords.Delete(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileSummary reports one reconciliation pass.
type ReconcileSummary struct {
	Created  int
	Failed   int
	Orphaned int
}

// Reconcile retries deployments whose DNS is still pending and deletes
// provider records we no longer track.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary

	pending, err := m.store.Deployments.FindByDNSStatus(ctx, store.DNSPending)
	if err != nil {
		return summary, err
	}
	for _, dep := range pending {
		if err := m.CreateRecordsForDeployment(ctx, dep.ID, dep.Domain); err != nil {
			m.log.Error("pending dns creation failed",
				logfields.DeploymentID(dep.ID), logfields.Domain(dep.Domain), logfields.Error(err))
			summary.Failed++
			continue
		}
		if err := m.store.Deployments.UpdateDNSStatus(ctx, dep.ID, store.DNSActive); err != nil {
			return summary, err
		}
		summary.Created++
	}

	tracked, err := m.store.DNSRecords.List(ctx)
	if err != nil {
		return summary, err
	}
	trackedIDs := make(map[string]bool, len(tracked))
	for _, rec := range tracked {
		trackedIDs[rec.ProviderRecordID] = true
	}

	for zone, provider := range m.providers {
		providerRecords, err := provider.ListRecords(ctx)
		if err != nil {
			m.log.Error("listing zone records failed", slog.String("zone", zone), logfields.Error(err))
			continue
		}
		for _, rec := range providerRecords {
			if trackedIDs[rec.ProviderRecordID] {
				continue
			}
			m.log.Warn("deleting orphaned dns record", logfields.Domain(rec.Name), slog.String("zone", zone))
			if err := provider.DeleteRecord(ctx, rec.ProviderRecordID); err != nil {
				m.log.Error("orphan deletion failed", logfields.Domain(rec.Name), logfields.Error(err))
				continue
			}
			summary.Orphaned++
		}
	}

	m.log.Info("dns reconciliation complete",
		slog.Int("created", summary.Created), slog.Int("failed", summary.Failed), slog.Int("orphaned", summary.Orphaned))
	return summary, nil
}
