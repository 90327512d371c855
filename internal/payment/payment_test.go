package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMockInvoicer_Lifecycle(t *testing.T) {
	m := NewMockInvoicer()

	inv, err := m.CreateInvoice(context.Background(), 2000, "test job")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.AmountMsats != 2000 || inv.ID == "" || inv.Bolt11 == "" {
		t.Fatalf("invoice = %+v", inv)
	}

	state, err := m.CheckInvoice(context.Background(), inv.ID)
	if err != nil || state != InvoicePending {
		t.Fatalf("fresh invoice state = %v, %v", state, err)
	}

	m.SettleInvoice(inv.ID)
	state, err = m.CheckInvoice(context.Background(), inv.ID)
	if err != nil || state != InvoicePaid {
		t.Fatalf("settled invoice state = %v, %v", state, err)
	}

	if _, err := m.CheckInvoice(context.Background(), "nope"); err == nil {
		t.Fatal("unknown invoice must be an error")
	}
}

func TestRESTInvoicer_CreateInvoice(t *testing.T) {
	var got createInvoiceRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/payments" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(createInvoiceResponse{
			PaymentHash:    "hash1",
			PaymentRequest: "lnbc1invoice",
		})
	}))
	defer srv.Close()

	c := NewRESTInvoicer(srv.URL, "key123")
	inv, err := c.CreateInvoice(context.Background(), 2500, "job abc")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gotKey != "key123" {
		t.Fatalf("api key = %q", gotKey)
	}
	// 2500 msats rounds up to 3 sats so the provider is never underpaid.
	if got.Amount != 3 || got.Out || got.Memo != "job abc" {
		t.Fatalf("request = %+v", got)
	}
	if inv.ID != "hash1" || inv.Bolt11 != "lnbc1invoice" || inv.AmountMsats != 2500 {
		t.Fatalf("invoice = %+v", inv)
	}
}

func TestRESTInvoicer_CheckInvoice(t *testing.T) {
	responses := map[string]invoiceStatusResponse{
		"paid":    {Paid: true},
		"expired": {Expired: true},
		"pending": {},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/api/v1/payments/"):]
		json.NewEncoder(w).Encode(responses[id])
	}))
	defer srv.Close()

	c := NewRESTInvoicer(srv.URL, "key123")
	for id, want := range map[string]InvoiceState{
		"paid":    InvoicePaid,
		"expired": InvoiceExpired,
		"pending": InvoicePending,
	} {
		state, err := c.CheckInvoice(context.Background(), id)
		if err != nil {
			t.Fatalf("check %s: %v", id, err)
		}
		if state != want {
			t.Errorf("state(%s) = %v, want %v", id, state, want)
		}
	}
}

func TestRESTInvoicer_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewRESTInvoicer(srv.URL, "bad")
	if _, err := c.CreateInvoice(context.Background(), 1000, "x"); err == nil {
		t.Fatal("non-2xx must fail")
	}
}
