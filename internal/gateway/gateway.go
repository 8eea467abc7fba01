package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Object statuses that count as a terminal "paid" state.
const (
	PaymentIntentSucceeded = "succeeded"
	InvoicePaid            = "paid"
	CheckoutSessionPaid    = "paid"
)

type PaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type Invoice struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type CheckoutSession struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
}

type Subscription struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	LatestInvoice *Invoice `json:"latest_invoice"`
}

// Client talks to the card payment gateway's REST API. Every call carries the
// HTTP client's bounded timeout so a slow gateway cannot pin a worker.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var out PaymentIntent
	if err := c.getJSON(ctx, "/v1/payment_intents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var out Invoice
	if err := c.getJSON(ctx, "/v1/invoices/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	var out CheckoutSession
	if err := c.getJSON(ctx, "/v1/checkout/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := url.Values{}
	params.Add("expand[]", "latest_invoice")
	var out Subscription
	if err := c.getJSON(ctx, "/v1/subscriptions/"+url.PathEscape(id), params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("gateway http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("gateway http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
