package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/db/dbtest"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

func TestEmitWritesEnvelopeInTransaction(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)

	orderID := uuid.New()
	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderFailed,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Data:          map[string]string{"reason": "rejected"},
		})
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, orderID, rows[0].AggregateID)

	envelope, err := DecodeEnvelope(rows[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.JSONEq(t, `{"reason":"rejected"}`, string(envelope.Data))
}

func TestEmitRolledBackWithCaller(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)

	_ = conn.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventWalletCredited,
			AggregateType: enums.AggregateWallet,
			AggregateID:   uuid.New(),
			Data:          struct{}{},
		}))
		return errors.New("rollback")
	})

	count, err := NewRepository(conn).CountUnpublished(conn)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEmitRejectsUnknownEventType(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)

	err := svc.Emit(context.Background(), conn, DomainEvent{EventType: "bogus", AggregateType: enums.AggregateOrder, AggregateID: uuid.New()})
	require.Error(t, err)

	err = svc.Emit(context.Background(), conn, DomainEvent{EventType: enums.EventOrderFailed, AggregateType: enums.AggregateOrder})
	require.Error(t, err, "aggregate id is required")
}

func TestDeadLetterCopiesRowAndParksIt(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	agentID := uuid.New()

	require.NoError(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType:     enums.EventWalletRefunded,
		AggregateType: enums.AggregateWallet,
		AggregateID:   agentID,
		Actor:         &Actor{AgentID: &agentID, Source: "ledger"},
		Data:          map[string]string{"amount": "12.50"},
	}))
	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, repo.DeadLetterTx(conn, rows[0], enums.OutboxDLQReasonUnroutable, errors.New("no topic"), 3, time.Now()))
	assert.Error(t, repo.DeadLetterTx(conn, rows[0], "bogus", errors.New("x"), 3, time.Now()))

	var parked []models.OutboxDLQ
	require.NoError(t, conn.Find(&parked).Error)
	require.Len(t, parked, 1)
	assert.Equal(t, rows[0].ID, parked[0].EventID)
	assert.Equal(t, enums.OutboxDLQReasonUnroutable, parked[0].ErrorReason)
	require.NotNil(t, parked[0].ErrorMessage)
	assert.Equal(t, "no topic", *parked[0].ErrorMessage)

	env, err := DecodeEnvelope(parked[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, agentID, env.Agent())

	remaining, err := repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDecodeEnvelopeRequiresEventID(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"version":1,"data":{}}`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)

	env, err := DecodeEnvelope([]byte(`{"eventId":"evt-1","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, env.Version)
	assert.Equal(t, uuid.Nil, env.Agent())
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Emit(context.Background(), conn, DomainEvent{
			EventType:     enums.EventOrderCompleted,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          map[string]int{"i": i},
		}))
	}

	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.NoError(t, repo.MarkPublishedTx(conn, rows[0].ID))
	require.NoError(t, repo.MarkFailedTx(conn, rows[1].ID, errors.New("timeout")))
	require.NoError(t, repo.DeadLetterTx(conn, rows[2], enums.OutboxDLQReasonNonRetryable, errors.New("bad payload"), 5, time.Now()))

	remaining, err := repo.FetchUnpublishedForPublish(conn, 10, 5)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, rows[1].ID, remaining[0].ID)
	assert.Equal(t, 1, remaining[0].AttemptCount)
	require.NotNil(t, remaining[0].LastError)
	assert.Equal(t, "timeout", *remaining[0].LastError)
}

func TestPruneBeforeKeepsBacklog(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Emit(ctx, conn, DomainEvent{
			EventType:     enums.EventWalletCredited,
			AggregateType: enums.AggregateWallet,
			AggregateID:   uuid.New(),
			Data:          map[string]int{"i": i},
		}))
	}
	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.NoError(t, repo.MarkPublishedTx(conn, rows[0].ID))
	require.NoError(t, repo.DeadLetterTx(conn, rows[1], enums.OutboxDLQReasonMaxAttempts, errors.New("bad payload"), 5, time.Now()))

	cutoff := time.Now().UTC().Add(time.Hour)
	deleted, err := repo.PruneBefore(ctx, conn, cutoff, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	deleted, err = repo.PruneBefore(ctx, conn, cutoff, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.PruneBefore(ctx, conn, cutoff, 5, 0)
	assert.Error(t, err)

	count, err := repo.CountUnpublished(conn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
