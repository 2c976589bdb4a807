package supplierb

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient("key", "secret", WithBaseURL("http://supplier-b.test/"), WithHTTPClient(&http.Client{Transport: rt}))
	require.NoError(t, err)
	return client
}

func TestCreateESIMUsesBasicAuth(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "http://supplier-b.test/connectivity/v1/esim", req.URL.String())
		user, pass, ok := req.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		body, _ := io.ReadAll(req.Body)
		assert.JSONEq(t, `{"plan_type_id":"pt_1","tag":"order-1"}`, string(body))
		return respond(http.StatusCreated, `{"esim":{"iccid":"8910","activation_code":"LPA:1$smdp.b$X1","manual_code":"X1","smdp_address":"smdp.b","state":"RELEASED","service_status":"ACTIVE","network_status":"NOT_ACTIVE"}}`), nil
	})

	esim, err := client.CreateESIM(context.Background(), "pt_1", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "8910", esim.ICCID)
	assert.Equal(t, "smdp.b", esim.SMDPAddress)
	assert.Equal(t, "RELEASED", esim.State)
}

func TestGetESIMReturnsRawPayload(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/connectivity/v1/esim/8910", req.URL.Path)
		return respond(http.StatusOK, `{"esim":{"iccid":"8910","state":"RELEASED","network_status":"ENABLED"}}`), nil
	})

	esim, raw, err := client.GetESIM(context.Background(), "8910")
	require.NoError(t, err)
	assert.Equal(t, "ENABLED", esim.NetworkStatus)
	assert.Contains(t, string(raw), `"state":"RELEASED"`)
}

func TestAddPlanAndPlanType(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/connectivity/v1/esim/8910/plan/pt_2":
			return respond(http.StatusOK, `{"plan":{"id":"plan_9","plan_type_id":"pt_2"}}`), nil
		case "/connectivity/v1/account/plan-types/pt_2":
			return respond(http.StatusOK, `{"plan_type":{"uid":"pt_2","wholesale_price_usd":"4.25"}}`), nil
		}
		t.Fatalf("unexpected path %s", req.URL.Path)
		return nil, nil
	})

	plan, err := client.AddPlan(context.Background(), "8910", "pt_2")
	require.NoError(t, err)
	assert.Equal(t, "plan_9", plan.ID)

	planType, err := client.GetPlanType(context.Background(), "pt_2")
	require.NoError(t, err)
	price, err := planType.WholesalePrice()
	require.NoError(t, err)
	assert.Equal(t, "4.25", price.StringFixed(2))
}

func TestStatusClassification(t *testing.T) {
	cases := map[int]pkgerrors.Code{
		http.StatusUnauthorized:        pkgerrors.CodeUpstreamAuth,
		http.StatusForbidden:           pkgerrors.CodeUpstreamAuth,
		http.StatusTooManyRequests:     pkgerrors.CodeSupplierPending,
		http.StatusInternalServerError: pkgerrors.CodeSupplierPending,
		http.StatusUnprocessableEntity: pkgerrors.CodeSupplierFailed,
		http.StatusNotFound:            pkgerrors.CodeNotFound,
	}
	for status, want := range cases {
		client := newTestClient(t, func(*http.Request) (*http.Response, error) {
			return respond(status, `{"message":"plan type disabled"}`), nil
		})
		_, err := client.CreateESIM(context.Background(), "pt_1", "tag")
		require.Error(t, err)
		assert.Equal(t, want, pkgerrors.CodeOf(err), "status %d", status)
	}

	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusBadRequest, `{"message":"plan type disabled"}`), nil
	})
	_, err := client.CreateESIM(context.Background(), "pt_1", "tag")
	details, _ := pkgerrors.As(err).Details().(map[string]any)
	assert.Equal(t, "plan type disabled", details["reason"])
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient("key", "")
	assert.Error(t, err)
}
