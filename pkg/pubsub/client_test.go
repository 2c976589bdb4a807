package pubsub

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestResourceName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		project, kind, input, want string
	}{
		{"esimhub-prod", "topics", "esimhub-domain-events", "projects/esimhub-prod/topics/esimhub-domain-events"},
		{"other", "subscriptions", "projects/esimhub-prod/subscriptions/esimhub-analytics", "projects/esimhub-prod/subscriptions/esimhub-analytics"},
		{"p", "topics", "  t  ", "projects/p/topics/t"},
		{"p", "topics", " ", ""},
		{"", "topics", "t", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, resourceName(tc.project, tc.kind, tc.input), tc.input)
	}
}

func TestCheckExists(t *testing.T) {
	t.Parallel()

	assert.NoError(t, checkExists("topic", "t", func() error { return nil }))
	assert.EqualError(t,
		checkExists("topic", "t", func() error { return status.Error(codes.NotFound, "gone") }),
		`topic "t" does not exist`)

	cause := errors.New("dial timeout")
	assert.ErrorIs(t, checkExists("subscription", "s", func() error { return cause }), cause)
}

func TestNilClientIsSafe(t *testing.T) {
	t.Parallel()

	var c *Client
	assert.Nil(t, c.Publisher("t"))
	assert.Nil(t, c.Subscriber("s"))
	assert.NoError(t, c.Close())
	assert.Error(t, c.Ping(t.Context()))
}
