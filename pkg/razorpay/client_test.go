package razorpay

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient("rzp_test_key", "shh", WithBaseURL("http://razorpay.test"), WithHTTPClient(&http.Client{Transport: rt}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func respond(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}
}

func TestFetchOrderDecodesNotesAndAmount(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != "http://razorpay.test/v1/orders/order_9A33XWu170gUtm" {
			t.Fatalf("unexpected url %s", req.URL)
		}
		user, pass, ok := req.BasicAuth()
		if !ok || user != "rzp_test_key" || pass != "shh" {
			t.Fatalf("basic auth missing")
		}
		return respond(http.StatusOK, `{"id":"order_9A33XWu170gUtm","amount":250000,"amount_paid":250000,"currency":"INR","status":"paid","notes":{"agent_id":"a-1","attempt":2}}`), nil
	})

	order, err := client.FetchOrder(context.Background(), "order_9A33XWu170gUtm")
	if err != nil {
		t.Fatalf("fetch order: %v", err)
	}
	if order.Status != StatusPaid || order.PaidAmount().StringFixed(2) != "2500.00" {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Notes["agent_id"] != "a-1" || order.Notes["attempt"] != "2" {
		t.Fatalf("unexpected notes %v", order.Notes)
	}
}

func TestFetchOrderAcceptsEmptyNotesArray(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{"id":"order_1","amount":100,"amount_paid":0,"status":"created","notes":[]}`), nil
	})
	order, err := client.FetchOrder(context.Background(), "order_1")
	if err != nil {
		t.Fatalf("fetch order: %v", err)
	}
	if len(order.Notes) != 0 {
		t.Fatalf("expected no notes, got %v", order.Notes)
	}
}

func TestFetchOrderMapsErrors(t *testing.T) {
	cases := map[int]pkgerrors.Code{
		http.StatusUnauthorized:        pkgerrors.CodeUpstreamAuth,
		http.StatusBadRequest:          pkgerrors.CodeNotFound,
		http.StatusInternalServerError: pkgerrors.CodeDependency,
	}
	for status, code := range cases {
		client := newTestClient(t, func(*http.Request) (*http.Response, error) {
			return respond(status, `{"error":{"code":"BAD"}}`), nil
		})
		_, err := client.FetchOrder(context.Background(), "order_1")
		if !pkgerrors.Is(err, code) {
			t.Fatalf("status %d: expected %s, got %v", status, code, err)
		}
	}
}

func TestVerifyPaymentSignature(t *testing.T) {
	t.Parallel()
	sig := Sign("shh", "order_1", "pay_1")
	if !VerifyPaymentSignature("shh", "order_1", "pay_1", strings.ToUpper(sig)) {
		t.Fatalf("expected signature to verify")
	}
	if VerifyPaymentSignature("shh", "order_1", "pay_2", sig) {
		t.Fatalf("expected signature for another payment to fail")
	}
	if VerifyPaymentSignature("other", "order_1", "pay_1", sig) {
		t.Fatalf("expected signature with another secret to fail")
	}
}
