package provisioning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"callrouter/internal/domain"
	"callrouter/internal/httpx"
	"callrouter/internal/registry"
	"callrouter/internal/storage/sqlite"
)

const pageSize = 100

type phoneNumberResponse struct {
	E164        string `json:"e164"`
	Provider    string `json:"provider"`
	TenantID    string `json:"tenant_id"`
	FlowVersion int    `json:"flow_version"`
	Status      string `json:"status"`
}

// Client reads phone-number bindings from the provisioning service, which
// owns them. This service never writes back.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: httpx.ExternalHTTPClient(),
	}
}

// PhoneNumbers fetches every page of GET /v1/phone-numbers.
func (c *Client) PhoneNumbers(ctx context.Context) ([]domain.PhoneNumber, error) {
	var all []domain.PhoneNumber
	for page := 1; ; page++ {
		apiURL := fmt.Sprintf("%s/v1/phone-numbers?per_page=%d&page=%d", c.baseURL, pageSize, page)
		log.Printf("provisioning fetch page=%d", page)

		req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching phone numbers: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provisioning API returned %d: %s", resp.StatusCode, string(body))
		}

		var numbers []phoneNumberResponse
		if err := json.Unmarshal(body, &numbers); err != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
		for _, n := range numbers {
			all = append(all, domain.PhoneNumber{
				E164:        n.E164,
				Provider:    strings.ToLower(n.Provider),
				TenantID:    n.TenantID,
				FlowVersion: n.FlowVersion,
				Status:      strings.ToLower(n.Status),
			})
		}
		if len(numbers) < pageSize {
			break
		}
	}
	log.Printf("provisioning fetch done numbers=%d", len(all))
	return all, nil
}

// SyncResult counts what a sync did with each fetched number.
type SyncResult struct {
	TotalFetched   int
	Upserted       int
	SkippedInvalid int
}

// Syncer mirrors the provisioning service's bindings into the local
// database, which the registry then reads.
type Syncer struct {
	client *Client
	db     *sql.DB
}

func NewSyncer(client *Client, db *sql.DB) *Syncer {
	return &Syncer{client: client, db: db}
}

func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	numbers, err := s.client.PhoneNumbers(ctx)
	if err != nil {
		return result, err
	}
	result.TotalFetched = len(numbers)
	for _, n := range numbers {
		normalized, err := registry.Normalize(n.E164)
		if err != nil || n.TenantID == "" {
			log.Printf("provisioning skipped number=%q tenant=%q: invalid binding", n.E164, n.TenantID)
			result.SkippedInvalid++
			continue
		}
		n.E164 = normalized
		if err := sqlite.UpsertPhoneNumber(s.db, n); err != nil {
			return result, fmt.Errorf("storing number %s: %w", n.E164, err)
		}
		result.Upserted++
	}
	return result, nil
}

// Refresh lets the scheduler run a sync alongside the snapshot refreshes.
func (s *Syncer) Refresh(ctx context.Context) error {
	result, err := s.Sync(ctx)
	if err != nil {
		return err
	}
	log.Printf("provisioning sync fetched=%d upserted=%d skipped=%d", result.TotalFetched, result.Upserted, result.SkippedInvalid)
	return nil
}
