package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"rentalhub/internal/usertoken"
	"rentalhub/pkg/domain"
	"rentalhub/pkg/store"
	"rentalhub/services/listing/internal/app"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	issuer, err := usertoken.NewIssuer(usertoken.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	a, err := app.New(app.Config{Store: store.NewMemoryStore(), Tokens: issuer})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestPrintStatsAsAdmin(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	if _, err := a.CreateAdmin(ctx, "root", "root@rentalhub.test", "rootpass1"); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if _, err := a.Register(ctx, "renter", "renter@rentalhub.test", "renterpass1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	var out bytes.Buffer
	if err := printStats(ctx, a, "root@rentalhub.test", "rootpass1", &out); err != nil {
		t.Fatalf("print stats: %v", err)
	}
	var stats domain.ModerationStats
	if err := json.Unmarshal(out.Bytes(), &stats); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if stats.TotalUsers != 1 || stats.MonthlyRevenue != app.DefaultMonthlyRevenue {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPrintStatsRejectsNonAdmin(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	if _, err := a.Register(ctx, "renter", "renter@rentalhub.test", "renterpass1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	var out bytes.Buffer
	err := printStats(ctx, a, "renter@rentalhub.test", "renterpass1", &out)
	if err == nil || !strings.Contains(err.Error(), "not an administrator") {
		t.Fatalf("non-admin stats error = %v", err)
	}
	if err := printStats(ctx, a, "renter@rentalhub.test", "wrong-pass1", &out); err == nil {
		t.Fatalf("wrong password must fail")
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be printed on failure, got %q", out.String())
	}
}
