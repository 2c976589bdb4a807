package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/esimhub-backend/internal/analytics/router"
	"github.com/angelmondragon/esimhub-backend/internal/analytics/types"
	"github.com/angelmondragon/esimhub-backend/internal/dedupe"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
)

func TestProcessRecordsOnceAcrossRedeliveries(t *testing.T) {
	handler := &stubHandler{}
	svc, _ := newTestService(t, handler)
	agentID := uuid.New()
	msg := orderCompletedMessage(t, &agentID)

	assert.Equal(t, ack, svc.process(context.Background(), msg))
	assert.Equal(t, ack, svc.process(context.Background(), msg))
	require.Len(t, handler.seen, 1, "redelivery must not reach the handler")

	env := handler.seen[0]
	assert.Equal(t, enums.EventOrderCompleted, env.EventType)
	assert.Equal(t, enums.AggregateOrder, env.AggregateType)
	assert.Equal(t, "ord-1", env.AggregateID)
	assert.Equal(t, agentID.String(), env.AgentID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), env.OccurredAt)
}

func TestProcessHandlerErrorReleasesAndNacks(t *testing.T) {
	handler := &stubHandler{err: errors.New("bigquery down")}
	svc, _ := newTestService(t, handler)
	msg := orderCompletedMessage(t, nil)

	assert.Equal(t, nack, svc.process(context.Background(), msg))

	handler.err = nil
	assert.Equal(t, ack, svc.process(context.Background(), msg))
	assert.Len(t, handler.seen, 2, "released claim lets the redelivery through")
}

func TestProcessDropsUndecodableMessages(t *testing.T) {
	handler := &stubHandler{}
	svc, _ := newTestService(t, handler)

	assert.Equal(t, ack, svc.process(context.Background(), &gcppubsub.Message{Data: []byte("not json")}))

	unknown := orderCompletedMessage(t, nil)
	unknown.Attributes["event_type"] = "order_teleported"
	assert.Equal(t, ack, svc.process(context.Background(), unknown))

	assert.Empty(t, handler.seen)
}

func TestProcessAcksUnsupportedEvents(t *testing.T) {
	handler := &stubHandler{err: router.ErrUnsupportedEventType}
	svc, store := newTestService(t, handler)
	msg := orderCompletedMessage(t, nil)

	assert.Equal(t, ack, svc.process(context.Background(), msg))
	var env outbox.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.True(t, store.Has("esimhub:idempotency:evt:analytics:"+env.EventID), "unsupported events stay claimed")
}

func TestProcessNacksWhenClaimFails(t *testing.T) {
	handler := &stubHandler{}
	svc := &Service{handler: handler, claims: brokenClaims{}, logg: testLogger()}
	assert.Equal(t, nack, svc.process(context.Background(), orderCompletedMessage(t, nil)))
	assert.Empty(t, handler.seen)
}

func TestRunAcksAndNacks(t *testing.T) {
	handler := &stubHandler{}
	svc, _ := newTestService(t, handler)
	svc.sub = fakeReceiver{msgs: []*gcppubsub.Message{orderCompletedMessage(t, nil)}}
	require.NoError(t, svc.Run(context.Background()))
	assert.Len(t, handler.seen, 1)
}

func orderCompletedMessage(t *testing.T, agentID *uuid.UUID) *gcppubsub.Message {
	t.Helper()
	env := outbox.Envelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:       json.RawMessage(`{"order_id":"ord-1"}`),
	}
	if agentID != nil {
		env.Actor = &outbox.Actor{AgentID: agentID, Source: "fulfillment"}
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return &gcppubsub.Message{
		ID:   "msg-1",
		Data: data,
		Attributes: map[string]string{
			"event_type":     "order_completed",
			"aggregate_type": "order",
			"aggregate_id":   "ord-1",
		},
	}
}

func newTestService(t *testing.T, handler Handler) (*Service, *dedupe.MemoryStore) {
	t.Helper()
	store := dedupe.NewMemoryStore()
	guard, err := dedupe.ConsumerGuard(store, time.Hour, "analytics")
	require.NoError(t, err)
	return &Service{handler: handler, claims: guard, logg: testLogger()}, store
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "analytics-test", Output: io.Discard})
}

type stubHandler struct {
	seen []types.Envelope
	err  error
}

func (h *stubHandler) Handle(_ context.Context, env types.Envelope) error {
	h.seen = append(h.seen, env)
	return h.err
}

type brokenClaims struct{}

func (brokenClaims) Claim(context.Context, string) (dedupe.Claim, bool, error) {
	return dedupe.Claim{}, false, errors.New("redis down")
}

func (brokenClaims) Release(context.Context, dedupe.Claim) error { return nil }

// fakeReceiver delivers msgs once, then returns like a canceled subscription.
// Ack and Nack on a bare Message are no-ops.
type fakeReceiver struct {
	msgs []*gcppubsub.Message
}

func (f fakeReceiver) Receive(ctx context.Context, fn func(context.Context, *gcppubsub.Message)) error {
	for _, msg := range f.msgs {
		fn(ctx, msg)
	}
	return nil
}
