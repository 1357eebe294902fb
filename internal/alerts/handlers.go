package alerts

import (
	"context"
	"fmt"

	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/state"
)

// LogHandler writes every alert to the log
type LogHandler struct {
	logger *logger.Logger
}

// NewLogHandler creates a LogHandler
func NewLogHandler(log *logger.Logger) *LogHandler {
	return &LogHandler{logger: log}
}

func (h *LogHandler) Name() string { return "log" }

func (h *LogHandler) Handle(ctx context.Context, a *Alert) error {
	fields := []interface{}{
		"alert_id", a.ID,
		"source_id", a.SourceID,
		"source_type", string(a.SourceType),
		"action", a.Action,
		"confidence", a.Confidence,
		"severity", a.Severity,
		"priority", a.Priority,
		"frame_index", a.FrameIndex,
	}
	if a.Regulation != nil {
		fields = append(fields, "regulation", a.Regulation.Code)
	}
	h.logger.Warn("Unsafe action detected", fields...)
	return nil
}

// AlertStore persists alerts
type AlertStore interface {
	SaveAlert(ctx context.Context, rec state.AlertRecord) error
}

// StoreHandler persists alerts to the state database
type StoreHandler struct {
	store AlertStore
}

// NewStoreHandler creates a StoreHandler
func NewStoreHandler(store AlertStore) *StoreHandler {
	return &StoreHandler{store: store}
}

func (h *StoreHandler) Name() string { return "store" }

func (h *StoreHandler) Handle(ctx context.Context, a *Alert) error {
	if err := h.store.SaveAlert(ctx, a.ToRecord()); err != nil {
		return fmt.Errorf("failed to store alert %s: %w", a.ID, err)
	}
	return nil
}
