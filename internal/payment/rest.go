package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openagentsinc/dvm-engine/common/errors"
)

// RESTInvoicer talks to an LNbits-style wallet API.
type RESTInvoicer struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewRESTInvoicer(baseURL, apiKey string) *RESTInvoicer {
	return &RESTInvoicer{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type createInvoiceRequest struct {
	Out    bool   `json:"out"`
	Amount uint64 `json:"amount"` // sats
	Memo   string `json:"memo"`
}

type createInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
}

type invoiceStatusResponse struct {
	Paid    bool `json:"paid"`
	Expired bool `json:"expired"`
}

func (c *RESTInvoicer) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("wallet API %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *RESTInvoicer) CreateInvoice(ctx context.Context, amountMsats uint64, memo string) (*Invoice, error) {
	// The wallet API deals in whole sats; round up so the provider is never
	// underpaid.
	sats := (amountMsats + 999) / 1000

	var resp createInvoiceResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/payments", createInvoiceRequest{
		Out:    false,
		Amount: sats,
		Memo:   memo,
	}, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "create invoice")
	}

	return &Invoice{
		ID:          resp.PaymentHash,
		Bolt11:      resp.PaymentRequest,
		AmountMsats: amountMsats,
	}, nil
}

func (c *RESTInvoicer) CheckInvoice(ctx context.Context, id string) (InvoiceState, error) {
	var resp invoiceStatusResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/payments/%s", id), nil, &resp)
	if err != nil {
		return "", errors.Wrap(err, "check invoice")
	}
	switch {
	case resp.Paid:
		return InvoicePaid, nil
	case resp.Expired:
		return InvoiceExpired, nil
	default:
		return InvoicePending, nil
	}
}
