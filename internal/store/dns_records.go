package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type DNSRecords struct {
	db *sqlx.DB
}

// Create records an externally-managed DNS record. (domain, record_type) is
// unique; re-creating an existing pair refreshes the provider id.
func (r *DNSRecords) Create(ctx context.Context, rec DNSRecord) error {
	query := r.db.Rebind(`
		INSERT INTO dns_records (domain, deployment_id, provider_record_id, record_type, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, record_type) DO UPDATE SET
			deployment_id = excluded.deployment_id,
			provider_record_id = excluded.provider_record_id,
			ip_address = excluded.ip_address`)
	_, err := r.db.ExecContext(ctx, query,
		rec.Domain, rec.DeploymentID, rec.ProviderRecordID, rec.RecordType, rec.IPAddress, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert dns record %s/%s: %w", rec.Domain, rec.RecordType, err)
	}
	return nil
}

func (r *DNSRecords) List(ctx context.Context) ([]DNSRecord, error) {
	var out []DNSRecord
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM dns_records ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list dns records: %w", err)
	}
	return out, nil
}

func (r *DNSRecords) FindByDeploymentID(ctx context.Context, deploymentID int64) ([]DNSRecord, error) {
	var out []DNSRecord
	query := r.db.Rebind(`SELECT * FROM dns_records WHERE deployment_id = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, deploymentID); err != nil {
		return nil, fmt.Errorf("find dns records for deployment %d: %w", deploymentID, err)
	}
	return out, nil
}

func (r *DNSRecords) FindByDomain(ctx context.Context, domain string) ([]DNSRecord, error) {
	var out []DNSRecord
	query := r.db.Rebind(`SELECT * FROM dns_records WHERE domain = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, domain); err != nil {
		return nil, fmt.Errorf("find dns records for %s: %w", domain, err)
	}
	return out, nil
}

func (r *DNSRecords) Delete(ctx context.Context, id int64) error {
	query := r.db.Rebind(`DELETE FROM dns_records WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete dns record %d: %w", id, err)
	}
	return nil
}
