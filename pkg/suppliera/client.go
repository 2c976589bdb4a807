// Package suppliera is an HTTP client for the batch provisioning supplier.
// Orders are placed asynchronously and the eSIM profile is fetched by
// polling the query endpoint.
package suppliera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

const (
	defaultBaseURL        = "https://api.esimaccess.com"
	accessCodeHeader      = "RT-AccessCode"
	responseBodyReadLimit = 1024

	orderPath       = "/api/v1/open/esim/order"
	queryPath       = "/api/v1/open/esim/query"
	topupPath       = "/api/v1/open/esim/topup"
	packageListPath = "/api/v1/open/package/list"

	// ReasonProviderBusy marks a request the supplier asked us to retry later.
	ReasonProviderBusy = "provider_busy"
	// ReasonUnavailable marks network failures and 5xx responses.
	ReasonUnavailable = "supplier_unavailable"
)

var (
	errAccessCodeRequired = errors.New("supplier a access code is required")
	priceScale            = decimal.NewFromInt(10000)
	defaultBusyCodes      = []string{"200005", "900001"}
)

// Client talks to the supplier's open API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accessCode string
	busyCodes  map[string]struct{}
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
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithBusyCodes replaces the error codes treated as "try again later".
func WithBusyCodes(codes []string) Option {
	return func(c *Client) {
		set := map[string]struct{}{}
		for _, code := range codes {
			if trimmed := strings.TrimSpace(code); trimmed != "" {
				set[trimmed] = struct{}{}
			}
		}
		if len(set) > 0 {
			c.busyCodes = set
		}
	}
}

// NewClient builds the client for the provided access code.
func NewClient(accessCode string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(accessCode)
	if trimmed == "" {
		return nil, errAccessCodeRequired
	}

	client := &Client{
		accessCode: trimmed,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	WithBusyCodes(defaultBusyCodes)(client)

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// PackageInfo is one line of an order request.
type PackageInfo struct {
	PackageCode string `json:"packageCode"`
	Count       int    `json:"count"`
	Price       int64  `json:"price"`
}

// OrderRequest places an order for one or more packages.
type OrderRequest struct {
	TransactionID   string        `json:"transactionId"`
	Amount          int64         `json:"amount,omitempty"`
	PackageInfoList []PackageInfo `json:"packageInfoList"`
}

// Profile is one provisioned eSIM as reported by the query endpoint.
type Profile struct {
	ICCID          string `json:"iccid"`
	ActivationCode string `json:"ac"`
	QRCodeURL      string `json:"qrCodeUrl"`
	SMDPStatus     string `json:"smdpStatus"`
	ESIMStatus     string `json:"esimStatus"`
	OrderNo        string `json:"orderNo"`
	TransactionNo  string `json:"esimTranNo"`
	ExpiredTime    string `json:"expiredTime"`
	TotalVolume    int64  `json:"totalVolume"`
	OrderUsage     int64  `json:"orderUsage"`
}

// SMDPAddress extracts the SM-DP+ host from an LPA activation string.
func (p Profile) SMDPAddress() string {
	parts := strings.Split(p.ActivationCode, "$")
	if len(parts) >= 3 {
		return parts[1]
	}
	return ""
}

// MatchingID extracts the manual activation code from an LPA activation string.
func (p Profile) MatchingID() string {
	parts := strings.Split(p.ActivationCode, "$")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}

// TopupResult is the supplier acknowledgement of a top-up.
type TopupResult struct {
	TransactionID string `json:"transactionId"`
	ICCID         string `json:"iccid"`
	ExpiredTime   string `json:"expiredTime"`
}

// Package is one entry of the supplier catalog.
type Package struct {
	PackageCode  string `json:"packageCode"`
	Name         string `json:"name"`
	Price        int64  `json:"price"`
	CurrencyCode string `json:"currencyCode"`
	Volume       int64  `json:"volume"`
	Duration     int    `json:"duration"`
	Location     string `json:"location"`
}

// PriceUSD converts the supplier's 1/10000 USD integer price.
func (p Package) PriceUSD() decimal.Decimal {
	return PriceFromUnits(p.Price)
}

// PriceFromUnits converts 1/10000 USD units into dollars.
func PriceFromUnits(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Div(priceScale)
}

// PriceToUnits converts dollars into 1/10000 USD units.
func PriceToUnits(price decimal.Decimal) int64 {
	return price.Mul(priceScale).Round(0).IntPart()
}

type envelope struct {
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
	Obj       json.RawMessage `json:"obj"`
}

// PlaceOrder submits an order and returns the supplier order number.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	if len(req.PackageInfoList) == 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "at least one package is required")
	}

	var obj struct {
		OrderNo string `json:"orderNo"`
	}
	if err := c.post(ctx, orderPath, req, &obj); err != nil {
		return "", err
	}
	if strings.TrimSpace(obj.OrderNo) == "" {
		return "", pkgerrors.New(pkgerrors.CodeSupplierFailed, "order accepted without order number")
	}
	return obj.OrderNo, nil
}

// QueryOrder returns the profiles allocated to an order. An empty slice means
// the supplier has not finished allocating.
func (c *Client) QueryOrder(ctx context.Context, orderNo string) ([]Profile, error) {
	if strings.TrimSpace(orderNo) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number is required")
	}
	return c.query(ctx, map[string]any{
		"orderNo": orderNo,
		"iccid":   "",
		"pager":   map[string]int{"pageNum": 1, "pageSize": 20},
	})
}

// QueryICCID returns the current profile for an ICCID.
func (c *Client) QueryICCID(ctx context.Context, iccid string) (*Profile, error) {
	if strings.TrimSpace(iccid) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid is required")
	}
	profiles, err := c.query(ctx, map[string]any{
		"orderNo": "",
		"iccid":   iccid,
		"pager":   map[string]int{"pageNum": 1, "pageSize": 1},
	})
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "esim not found at supplier")
	}
	return &profiles[0], nil
}

func (c *Client) query(ctx context.Context, body map[string]any) ([]Profile, error) {
	var obj struct {
		ESIMList []Profile `json:"esimList"`
	}
	if err := c.post(ctx, queryPath, body, &obj); err != nil {
		return nil, err
	}
	return obj.ESIMList, nil
}

// TopUp adds a package to an existing eSIM.
func (c *Client) TopUp(ctx context.Context, iccid, packageCode, transactionID string) (*TopupResult, error) {
	if strings.TrimSpace(iccid) == "" || strings.TrimSpace(packageCode) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid and package code are required")
	}
	var result TopupResult
	err := c.post(ctx, topupPath, map[string]any{
		"iccid":         iccid,
		"packageCode":   packageCode,
		"transactionId": transactionID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPackage looks up one catalog entry by code.
func (c *Client) GetPackage(ctx context.Context, packageCode string) (*Package, error) {
	if strings.TrimSpace(packageCode) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "package code is required")
	}
	var obj struct {
		PackageList []Package `json:"packageList"`
	}
	err := c.post(ctx, packageListPath, map[string]any{
		"locationCode": "",
		"type":         "",
		"packageCode":  packageCode,
	}, &obj)
	if err != nil {
		return nil, err
	}
	for _, pkg := range obj.PackageList {
		if pkg.PackageCode == packageCode {
			return &pkg, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "package not found at supplier")
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "supplier a client not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal supplier a request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.baseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build supplier a request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(accessCodeHeader, c.accessCode)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSupplierPending, err, "execute supplier a request").
			WithDetails(map[string]any{"reason": ReasonUnavailable})
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, err, "decode supplier a response")
	}
	if !env.Success {
		return c.classifyEnvelope(env)
	}
	if out == nil || len(env.Obj) == 0 || string(env.Obj) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Obj, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, err, "decode supplier a payload")
	}
	return nil
}

func classifyStatus(status int, body string) error {
	cause := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pkgerrors.Wrap(pkgerrors.CodeUpstreamAuth, cause, "supplier a rejected credentials")
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return pkgerrors.Wrap(pkgerrors.CodeSupplierPending, cause, "supplier a busy").
			WithDetails(map[string]any{"reason": ReasonProviderBusy})
	case status >= 500:
		return pkgerrors.Wrap(pkgerrors.CodeSupplierPending, cause, "supplier a unavailable").
			WithDetails(map[string]any{"reason": ReasonUnavailable})
	default:
		return pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, cause, "supplier a request rejected").
			WithDetails(map[string]any{"reason": body})
	}
}

func (c *Client) classifyEnvelope(env envelope) error {
	msg := strings.TrimSpace(env.ErrorMsg)
	if msg == "" {
		msg = "supplier a error " + env.ErrorCode
	}
	if _, busy := c.busyCodes[strings.TrimSpace(env.ErrorCode)]; busy {
		return pkgerrors.New(pkgerrors.CodeSupplierPending, msg).
			WithDetails(map[string]any{"reason": ReasonProviderBusy, "supplier_code": env.ErrorCode})
	}
	return pkgerrors.New(pkgerrors.CodeSupplierFailed, msg).
		WithDetails(map[string]any{"reason": msg, "supplier_code": env.ErrorCode})
}
