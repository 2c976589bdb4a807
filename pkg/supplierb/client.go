// Package supplierb is an HTTP client for the synchronous connectivity
// supplier. Creating an eSIM returns the full profile in one round trip.
package supplierb

import (
	"bytes"
	"context"
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
	defaultBaseURL        = "https://api.maya.net"
	responseBodyReadLimit = 1024

	// ReasonUnavailable marks network failures, throttling and 5xx responses.
	ReasonUnavailable = "supplier_unavailable"
)

var errCredentialsRequired = errors.New("supplier b api key and secret are required")

// Client talks to the connectivity API with basic auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

func NewClient(apiKey, apiSecret string, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(apiKey)
	secret := strings.TrimSpace(apiSecret)
	if key == "" || secret == "" {
		return nil, errCredentialsRequired
	}
	client := &Client{
		apiKey:     key,
		apiSecret:  secret,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// ESIM is the supplier's view of a profile. ServiceStatus and NetworkStatus
// feed status normalization.
type ESIM struct {
	UID            string `json:"uid"`
	ICCID          string `json:"iccid"`
	ActivationCode string `json:"activation_code"`
	ManualCode     string `json:"manual_code"`
	SMDPAddress    string `json:"smdp_address"`
	State          string `json:"state"`
	ServiceStatus  string `json:"service_status"`
	NetworkStatus  string `json:"network_status"`
	Tag            string `json:"tag"`
	DateAssigned   string `json:"date_assigned"`
}

// Plan is a data plan attached to an eSIM.
type Plan struct {
	ID            string `json:"id"`
	PlanTypeID    string `json:"plan_type_id"`
	NetworkStatus string `json:"network_status"`
	DateActivated string `json:"date_activated"`
	DateExpiry    string `json:"date_expiry"`
}

// PlanType is a catalog entry with its wholesale price.
type PlanType struct {
	UID               string `json:"uid"`
	Name              string `json:"name"`
	DataQuotaMB       int64  `json:"data_quota_mb"`
	ValidityDays      int    `json:"validity_days"`
	WholesalePriceUSD string `json:"wholesale_price_usd"`
}

// WholesalePrice parses the catalog price.
func (p PlanType) WholesalePrice() (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(p.WholesalePriceUSD))
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, err, "parse supplier b wholesale price")
	}
	return price, nil
}

// CreateESIM provisions a new eSIM on the given plan type.
func (c *Client) CreateESIM(ctx context.Context, planTypeID, tag string) (*ESIM, error) {
	if strings.TrimSpace(planTypeID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan type id is required")
	}
	var resp struct {
		ESIM *ESIM `json:"esim"`
	}
	body := map[string]string{"plan_type_id": planTypeID, "tag": tag}
	if err := c.do(ctx, http.MethodPost, "/connectivity/v1/esim", body, &resp); err != nil {
		return nil, err
	}
	if resp.ESIM == nil || strings.TrimSpace(resp.ESIM.ICCID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeSupplierFailed, "supplier b returned no esim").
			WithDetails(map[string]any{"reason": "empty_profile"})
	}
	return resp.ESIM, nil
}

// GetESIM fetches the current state of an eSIM.
func (c *Client) GetESIM(ctx context.Context, iccid string) (*ESIM, json.RawMessage, error) {
	if strings.TrimSpace(iccid) == "" {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid is required")
	}
	var resp struct {
		ESIM json.RawMessage `json:"esim"`
	}
	if err := c.do(ctx, http.MethodGet, "/connectivity/v1/esim/"+url.PathEscape(iccid), nil, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.ESIM) == 0 || string(resp.ESIM) == "null" {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "esim not found at supplier")
	}
	var esim ESIM
	if err := json.Unmarshal(resp.ESIM, &esim); err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, err, "decode supplier b esim")
	}
	return &esim, resp.ESIM, nil
}

// AddPlan tops up an eSIM with another plan.
func (c *Client) AddPlan(ctx context.Context, iccid, planTypeID string) (*Plan, error) {
	if strings.TrimSpace(iccid) == "" || strings.TrimSpace(planTypeID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid and plan type id are required")
	}
	var resp struct {
		Plan *Plan `json:"plan"`
	}
	path := fmt.Sprintf("/connectivity/v1/esim/%s/plan/%s", url.PathEscape(iccid), url.PathEscape(planTypeID))
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeSupplierFailed, "supplier b returned no plan")
	}
	return resp.Plan, nil
}

// GetPlanType reads one catalog entry.
func (c *Client) GetPlanType(ctx context.Context, planTypeID string) (*PlanType, error) {
	if strings.TrimSpace(planTypeID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan type id is required")
	}
	var resp struct {
		PlanType *PlanType `json:"plan_type"`
	}
	if err := c.do(ctx, http.MethodGet, "/connectivity/v1/account/plan-types/"+url.PathEscape(planTypeID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.PlanType == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan type not found at supplier")
	}
	return resp.PlanType, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "supplier b client not configured")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal supplier b request")
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build supplier b request")
	}
	httpReq.SetBasicAuth(c.apiKey, c.apiSecret)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSupplierPending, err, "execute supplier b request").
			WithDetails(map[string]any{"reason": ReasonUnavailable})
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, err, "decode supplier b response")
	}
	return nil
}

func classifyStatus(status int, body string) error {
	cause := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pkgerrors.Wrap(pkgerrors.CodeUpstreamAuth, cause, "supplier b rejected credentials")
	case status == http.StatusNotFound:
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, "supplier b resource not found")
	case status == http.StatusTooManyRequests || status >= 500:
		return pkgerrors.Wrap(pkgerrors.CodeSupplierPending, cause, "supplier b unavailable").
			WithDetails(map[string]any{"reason": ReasonUnavailable})
	default:
		return pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, cause, "supplier b request rejected").
			WithDetails(map[string]any{"reason": supplierMessage(body)})
	}
}

// supplierMessage pulls a human message out of an error body when it is JSON.
func supplierMessage(body string) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if body == "" {
		return "rejected"
	}
	return body
}
