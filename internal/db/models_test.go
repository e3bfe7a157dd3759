package db

import (
	"strings"
	"testing"
)

func TestRequestID(t *testing.T) {
	got := RequestID("UAR_202507_IPPCS", "budi.s", "ADMIN")
	if got != "UAR_202507_IPPCS:budi.s:ADMIN" {
		t.Fatalf("unexpected request id %q", got)
	}
}

func TestUpsertOutcome_String(t *testing.T) {
	tests := []struct {
		outcome UpsertOutcome
		want    string
	}{
		{Unchanged, "unchanged"},
		{Inserted, "inserted"},
		{Updated, "updated"},
	}

	for _, tt := range tests {
		if tt.outcome.String() != tt.want {
			t.Errorf("got %s, want %s", tt.outcome, tt.want)
		}
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "uar", Database: "uar", SSLMode: "disable"}
	if strings.Contains(cfg.DSN(), "password=") {
		t.Fatalf("empty password should be omitted: %s", cfg.DSN())
	}

	cfg.Password = "secret"
	if !strings.Contains(cfg.DSN(), "password=secret") {
		t.Fatalf("password missing: %s", cfg.DSN())
	}
}

func TestReviewItemUpsert_StageColumns(t *testing.T) {
	if !strings.Contains(divisionItemUpsert, "div_reviewer_id") || strings.Contains(divisionItemUpsert, "so_reviewer_id") {
		t.Fatal("division upsert must only touch div_ columns")
	}
	if !strings.Contains(systemOwnerItemUpsert, "so_approval_status") || strings.Contains(systemOwnerItemUpsert, "div_approval_status") {
		t.Fatal("system owner upsert must only touch so_ columns")
	}
}
