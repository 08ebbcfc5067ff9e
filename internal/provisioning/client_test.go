package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"callrouter/internal/storage/sqlite"
)

func numbersPage(n, offset int) []phoneNumberResponse {
	out := make([]phoneNumberResponse, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, phoneNumberResponse{
			E164:        fmt.Sprintf("+1555%07d", offset+i),
			Provider:    "Twilio",
			TenantID:    "acme",
			FlowVersion: 1,
			Status:      "ACTIVE",
		})
	}
	return out
}

func TestPhoneNumbersFollowsPages(t *testing.T) {
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/phone-numbers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		switch page {
		case "1":
			_ = json.NewEncoder(w).Encode(numbersPage(pageSize, 0))
		default:
			_ = json.NewEncoder(w).Encode(numbersPage(3, pageSize))
		}
	}))
	defer server.Close()

	numbers, err := NewClient(server.URL+"/", "secret").PhoneNumbers(context.Background())
	if err != nil {
		t.Fatalf("PhoneNumbers failed: %v", err)
	}
	if len(numbers) != pageSize+3 {
		t.Fatalf("expected %d numbers, got %d", pageSize+3, len(numbers))
	}
	if strings.Join(pages, ",") != "1,2" {
		t.Fatalf("unexpected pages requested: %v", pages)
	}
	if numbers[0].Provider != "twilio" || numbers[0].Status != "active" {
		t.Fatalf("provider and status should be lower-cased: %+v", numbers[0])
	}
}

func TestPhoneNumbersErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").PhoneNumbers(context.Background())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSyncUpsertsValidNumbers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]phoneNumberResponse{
			{E164: "+1 (555) 010-0001", Provider: "acs", TenantID: "acme", FlowVersion: 2, Status: "active"},
			{E164: "5550100", TenantID: "acme", FlowVersion: 1},
			{E164: "+15550100002", FlowVersion: 1},
		})
	}))
	defer server.Close()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "provisioning-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	defer db.Close()

	syncer := NewSyncer(NewClient(server.URL, ""), db)
	result, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.TotalFetched != 3 || result.Upserted != 1 || result.SkippedInvalid != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, err := sqlite.ListPhoneNumbers(context.Background(), db)
	if err != nil {
		t.Fatalf("ListPhoneNumbers failed: %v", err)
	}
	if len(stored) != 1 || stored[0].E164 != "+15550100001" || stored[0].Provider != "acs" || stored[0].FlowVersion != 2 {
		t.Fatalf("unexpected stored numbers %+v", stored)
	}

	if err := syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	stored, _ = sqlite.ListPhoneNumbers(context.Background(), db)
	if len(stored) != 1 {
		t.Fatalf("repeat sync should upsert, got %d rows", len(stored))
	}
}
