// Package audit keeps an operator-facing trail of refunds, duplicate
// short-circuits and supplier classification decisions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

// Entry is one audit observation.
type Entry struct {
	AgentID     uuid.UUID
	OrderID     uuid.UUID
	Action      enums.AuditAction
	Outcome     enums.AuditOutcome
	ReferenceID string
	Details     map[string]any
}

// Recorder persists audit entries, inside the caller's transaction when one is given.
type Recorder interface {
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
}

type Service struct {
	db   *gorm.DB
	logg *logger.Logger
}

func NewService(db *gorm.DB, logg *logger.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("audit db required")
	}
	return &Service{db: db, logg: logg}, nil
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry Entry) error {
	if !entry.Action.IsValid() {
		return fmt.Errorf("invalid audit action %q", entry.Action)
	}
	if !entry.Outcome.IsValid() {
		return fmt.Errorf("invalid audit outcome %q", entry.Outcome)
	}

	row := models.AuditEvent{
		Action:  entry.Action,
		Outcome: entry.Outcome,
	}
	if entry.AgentID != uuid.Nil {
		agentID := entry.AgentID
		row.AgentID = &agentID
	}
	if entry.OrderID != uuid.Nil {
		orderID := entry.OrderID
		row.OrderID = &orderID
	}
	if entry.ReferenceID != "" {
		ref := entry.ReferenceID
		row.ReferenceID = &ref
	}
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		row.Details = datatypes.JSON(raw)
	}

	conn := tx
	if conn == nil {
		conn = s.db
	}
	if err := conn.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"audit_action":  entry.Action,
			"audit_outcome": entry.Outcome,
			"reference_id":  entry.ReferenceID,
			"order_id":      entry.OrderID.String(),
			"agent_id":      entry.AgentID.String(),
		})
		s.logg.Info(logCtx, "audit event recorded")
	}
	return nil
}

// ListByOrder returns the order's audit trail, oldest first.
func (s *Service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.AuditEvent, error) {
	var rows []models.AuditEvent
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// CountByAction counts entries for an order and action.
func (s *Service) CountByAction(ctx context.Context, orderID uuid.UUID, action enums.AuditAction) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AuditEvent{}).
		Where("order_id = ? AND action = ?", orderID, action).
		Count(&count).Error
	return count, err
}
