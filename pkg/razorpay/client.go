// Package razorpay is a minimal client for the Razorpay orders API plus the
// payment signature check used when a checkout completes in the browser.
package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

const (
	defaultBaseURL        = "https://api.razorpay.com"
	ordersPath            = "/v1/orders/"
	responseBodyReadLimit = 1024

	// StatusPaid is the order status once a payment was captured against it.
	StatusPaid = "paid"
)

var (
	errKeyIDRequired     = errors.New("razorpay key id is required")
	errKeySecretRequired = errors.New("razorpay key secret is required")
	minorUnits           = decimal.NewFromInt(100)
)

// Client fetches orders with basic auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	keyID      string
	keySecret  string
}

// Option configures optional client behavior.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds a client for the key pair.
func NewClient(keyID, keySecret string, opts ...Option) (*Client, error) {
	keyID = strings.TrimSpace(keyID)
	keySecret = strings.TrimSpace(keySecret)
	if keyID == "" {
		return nil, errKeyIDRequired
	}
	if keySecret == "" {
		return nil, errKeySecretRequired
	}
	client := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		keyID:      keyID,
		keySecret:  keySecret,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Order is the subset of the Razorpay order entity the wallet needs.
// Amounts are in the currency's minor unit.
type Order struct {
	ID         string            `json:"id"`
	Amount     int64             `json:"amount"`
	AmountPaid int64             `json:"amount_paid"`
	AmountDue  int64             `json:"amount_due"`
	Currency   string            `json:"currency"`
	Receipt    string            `json:"receipt"`
	Status     string            `json:"status"`
	Notes      map[string]string `json:"-"`
}

// PaidAmount converts AmountPaid to major units.
func (o Order) PaidAmount() decimal.Decimal {
	return decimal.NewFromInt(o.AmountPaid).Div(minorUnits)
}

// Razorpay returns notes as an empty array when none were set.
func (o *Order) UnmarshalJSON(data []byte) error {
	type plain Order
	var raw struct {
		plain
		Notes json.RawMessage `json:"notes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Order(raw.plain)
	o.Notes = map[string]string{}
	if len(raw.Notes) == 0 || raw.Notes[0] != '{' {
		return nil
	}
	var notes map[string]any
	if err := json.Unmarshal(raw.Notes, &notes); err != nil {
		return err
	}
	for key, value := range notes {
		if value != nil {
			o.Notes[key] = fmt.Sprint(value)
		}
	}
	return nil
}

// FetchOrder loads an order by id.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*Order, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay client not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "razorpay order id is required")
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + ordersPath + url.PathEscape(orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build razorpay request")
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute razorpay request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, pkgerrors.Wrap(pkgerrors.CodeUpstreamAuth, cause, "razorpay rejected credentials")
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, "razorpay order not found")
		default:
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "razorpay request failed")
		}
	}

	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode razorpay order")
	}
	return &order, nil
}

// VerifyPaymentSignature checks the checkout signature, the hex HMAC-SHA256 of
// "order_id|payment_id" keyed with the account secret.
func (c *Client) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if c == nil {
		return false
	}
	return VerifyPaymentSignature(c.keySecret, orderID, paymentID, signature)
}

func VerifyPaymentSignature(secret, orderID, paymentID, signature string) bool {
	expected := Sign(secret, orderID, paymentID)
	provided := strings.ToLower(strings.TrimSpace(signature))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Sign computes the signature Razorpay attaches to a successful payment.
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
