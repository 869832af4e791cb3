package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"AutoInvest/internal/model"
)

func sampleRequest() model.ExecutionRequest {
	return model.ExecutionRequest{
		Token:           "tok-1",
		ScheduleID:      "s-1",
		AccountID:       "acct-1",
		PortfolioID:     "pf-1",
		FundingSourceID: "bank-1",
		Amount:          decimal.RequireFromString("500.00"),
		Currency:        "USD",
		AllocationRule:  model.AllocationIPSTarget,
		ScheduledFor:    time.Date(2026, 1, 31, 14, 30, 0, 0, time.UTC),
	}
}

func TestClient_InvestSendsTokenAndDecodesReceipt(t *testing.T) {
	var gotKey, gotAuth string
	var body investBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"order_id":"ord-9","accepted_at":"2026-01-31T14:30:01Z"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "", time.Second, zerolog.Nop())
	rec, err := c.Invest(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("invest: %v", err)
	}
	if rec.OrderID != "ord-9" {
		t.Errorf("unexpected receipt: %+v", rec)
	}
	if gotKey != "tok-1" || gotAuth != "Bearer secret" {
		t.Errorf("headers not sent: key=%q auth=%q", gotKey, gotAuth)
	}
	if body.Amount != "500" || body.ScheduledFor != "2026-01-31T14:30:00Z" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestClient_InvestClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		transient bool
	}{
		{http.StatusConflict, false, false},
		{http.StatusTooManyRequests, true, true},
		{http.StatusBadGateway, true, true},
		{http.StatusUnprocessableEntity, true, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{}`))
		}))
		_, err := NewClient(srv.URL, "", "", time.Second, zerolog.Nop()).Invest(context.Background(), sampleRequest())
		srv.Close()

		if (err != nil) != tt.wantErr {
			t.Errorf("status %d: expected error=%v, got %v", tt.status, tt.wantErr, err)
			continue
		}
		if err != nil && errors.Is(err, model.ErrDownstreamUnavailable) != tt.transient {
			t.Errorf("status %d: expected transient=%v, got %v", tt.status, tt.transient, err)
		}
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", "", time.Second, zerolog.Nop()).Invest(context.Background(), sampleRequest())
	if !errors.Is(err, model.ErrDownstreamUnavailable) {
		t.Errorf("expected downstream unavailable, got %v", err)
	}
}

func TestClient_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/acct-1/portfolios/pf-1/snapshot" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"as_of":"2026-02-01T00:00:00Z","cash_value":1000,"positions_value":9000,
			"allocation":[{"asset_class":"equities","value":9000,"percent":90}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, zerolog.Nop())
	snap, err := c.Snapshot(context.Background(), "acct-1", "pf-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalValue() != 10000 || len(snap.Allocation) != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if _, err := c.Snapshot(context.Background(), "acct-1", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMock_DedupesByToken(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	m.FailNext(1)
	if _, err := m.Invest(ctx, sampleRequest()); !errors.Is(err, model.ErrDownstreamUnavailable) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	first, err := m.Invest(ctx, sampleRequest())
	if err != nil {
		t.Fatal(err)
	}
	second, _ := m.Invest(ctx, sampleRequest())
	if first.OrderID != second.OrderID {
		t.Errorf("replay returned a new order: %s vs %s", first.OrderID, second.OrderID)
	}
	if m.Executions() != 1 || m.Requests() != 3 {
		t.Errorf("expected 1 execution over 3 requests, got %d/%d", m.Executions(), m.Requests())
	}
}
