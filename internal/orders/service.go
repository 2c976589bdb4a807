package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

// Service exposes order reads to agents.
type Service interface {
	List(ctx context.Context, agentID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error)
	Get(ctx context.Context, agentID, orderID uuid.UUID) (*OrderSummary, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) List(ctx context.Context, agentID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error) {
	if agentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListForAgent(ctx, agentID, cursor, pagination.LimitWithBuffer(params.Limit), filters)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}

	rows, next := pagination.Trim(rows, params.Limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	list := &OrderList{Orders: make([]OrderSummary, 0, len(rows)), NextCursor: next}
	for _, row := range rows {
		list.Orders = append(list.Orders, Summarize(row))
	}
	return list, nil
}

func (s *service) Get(ctx context.Context, agentID, orderID uuid.UUID) (*OrderSummary, error) {
	order, err := s.repo.FindForAgent(ctx, agentID, orderID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(*order)
	return &summary, nil
}
