package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const cloudflareAPIBase = "https://api.cloudflare.com/client/v4"

// CloudflareProvider manages records in one Cloudflare zone.
type CloudflareProvider struct {
	client  *http.Client
	baseURL string
	token   string
	zoneID  string
}

func NewCloudflareProvider(apiToken, zoneID string) *CloudflareProvider {
	return &CloudflareProvider{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: cloudflareAPIBase,
		token:   apiToken,
		zoneID:  zoneID,
	}
}

type cloudflareRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl,omitempty"`
	Proxied *bool  `json:"proxied,omitempty"`
}

type cloudflareResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

func (p *CloudflareProvider) CreateRecord(ctx context.Context, name, recordType, content string) (*Record, error) {
	proxied := true
	payload := cloudflareRecord{
		Type:    recordType,
		Name:    name,
		Content: content,
		TTL:     300,
		Proxied: &proxied,
	}

	var created cloudflareRecord
	endpoint := fmt.Sprintf("/zones/%s/dns_records", p.zoneID)
	if err := p.do(ctx, http.MethodPost, endpoint, payload, &created); err != nil {
		return nil, fmt.Errorf("create %s record for %s: %w", recordType, name, err)
	}

	return &Record{
		ProviderRecordID: created.ID,
		Name:             created.Name,
		Type:             recordType,
		Content:          content,
	}, nil
}

func (p *CloudflareProvider) DeleteRecord(ctx context.Context, providerRecordID string) error {
	endpoint := fmt.Sprintf("/zones/%s/dns_records/%s", p.zoneID, providerRecordID)
	if err := p.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("delete record %s: %w", providerRecordID, err)
	}
	return nil
}

func (p *CloudflareProvider) ListRecords(ctx context.Context) ([]Record, error) {
	var listed []cloudflareRecord
	endpoint := fmt.Sprintf("/zones/%s/dns_records?per_page=5000", p.zoneID)
	if err := p.do(ctx, http.MethodGet, endpoint, nil, &listed); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	records := make([]Record, 0, len(listed))
	for _, r := range listed {
		// Only address records are ours to manage.
		if r.Type != RecordTypeA && r.Type != RecordTypeAAAA {
			continue
		}
		records = append(records, Record{
			ProviderRecordID: r.ID,
			Name:             r.Name,
			Type:             r.Type,
			Content:          r.Content,
		})
	}
	return records, nil
}

func (p *CloudflareProvider) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cloudflare api %s: %s", resp.Status, strings.ReplaceAll(string(snippet), "\n", " "))
	}

	var envelope cloudflareResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("cloudflare api error %d: %s", envelope.Errors[0].Code, envelope.Errors[0].Message)
		}
		return fmt.Errorf("cloudflare api reported failure")
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
