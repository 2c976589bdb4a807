// Package router turns analytics envelopes into esim_sales rows.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/esimhub-backend/internal/analytics/types"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox/payloads"
)

// ErrUnsupportedEventType marks domain events the warehouse does not record.
var ErrUnsupportedEventType = errors.New("unsupported analytics event type")

type Writer interface {
	InsertSale(ctx context.Context, row types.SaleRow) error
}

type saleBuilder func(env types.Envelope) (types.SaleRow, error)

// Router writes one sale row per completed order or top-up. Other events
// are reported as ErrUnsupportedEventType.
type Router struct {
	writer   Writer
	logg     *logger.Logger
	builders map[enums.OutboxEventType]saleBuilder
}

func NewRouter(writer Writer, logg *logger.Logger) (*Router, error) {
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Router{
		writer: writer,
		logg:   logg,
		builders: map[enums.OutboxEventType]saleBuilder{
			enums.EventOrderCompleted: decodeWith(esimSale),
			enums.EventTopupCompleted: decodeWith(topupSale),
		},
	}, nil
}

func (r *Router) Handle(ctx context.Context, env types.Envelope) error {
	build, ok := r.builders[env.EventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEventType, env.EventType)
	}
	row, err := build(env)
	if err != nil {
		return err
	}
	ctx = r.logg.WithFields(ctx, map[string]any{"sale_kind": row.Kind, "supplier": row.Supplier})
	if err := r.writer.InsertSale(ctx, row); err != nil {
		return fmt.Errorf("write %s sale: %w", row.Kind, err)
	}
	return nil
}

func decodeWith[T any](build func(types.Envelope, *T) types.SaleRow) saleBuilder {
	return func(env types.Envelope) (types.SaleRow, error) {
		if len(env.Payload) == 0 {
			return types.SaleRow{}, fmt.Errorf("%s has no payload", env.EventType)
		}
		payload := new(T)
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return types.SaleRow{}, fmt.Errorf("decode %s payload: %w", env.EventType, err)
		}
		return build(env, payload), nil
	}
}

// esimSale books the sale at provisioning time, with margin from the
// wholesale and retail prices captured on the order.
func esimSale(env types.Envelope, event *payloads.OrderCompletedEvent) types.SaleRow {
	occurredAt := env.OccurredAt
	if !event.CompletedAt.IsZero() {
		occurredAt = event.CompletedAt.UTC()
	}
	orderID, planID := event.OrderID.String(), event.PlanID.String()
	return types.SaleRow{
		EventID:        env.EventID,
		EventType:      string(env.EventType),
		Kind:           types.SaleKindESIM,
		OccurredAt:     occurredAt,
		AgentID:        event.AgentID.String(),
		Supplier:       string(event.Supplier),
		OrderID:        &orderID,
		PlanID:         &planID,
		CountryCode:    nonBlank(event.CountryCode),
		ICCID:          event.ICCID,
		WholesalePrice: event.WholesalePrice.Rat(),
		RetailPrice:    event.RetailPrice.Rat(),
		Margin:         event.RetailPrice.Sub(event.WholesalePrice).Rat(),
		Payload:        types.JSONColumn(env.Payload),
	}
}

// topupSale has no wholesale figures; the top-up event does not carry them.
func topupSale(env types.Envelope, event *payloads.TopupSettledEvent) types.SaleRow {
	topupID := event.TopupID.String()
	return types.SaleRow{
		EventID:     env.EventID,
		EventType:   string(env.EventType),
		Kind:        types.SaleKindTopup,
		OccurredAt:  env.OccurredAt,
		AgentID:     event.AgentID.String(),
		Supplier:    string(event.Supplier),
		TopupID:     &topupID,
		ICCID:       event.ICCID,
		RetailPrice: event.RetailPrice.Rat(),
		Payload:     types.JSONColumn(env.Payload),
	}
}

func nonBlank(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
