package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventHandler binds a named platform event to an action the scheduler fires
// in response (§5's event-triggered jobs).
type EventHandler struct {
	ID              string
	EventName       string
	HandlerName     string
	Enabled         bool
	Priority        int
	ActionType      string
	ActionConfig    json.RawMessage
	PlatformID      *string
	ExecutionsCount int
	FailureCount    int
}

// EventHandlerRepository persists event->action bindings (C9).
type EventHandlerRepository struct {
	s *Store
}

func (s *Store) EventHandlers() *EventHandlerRepository { return &EventHandlerRepository{s: s} }

func (r *EventHandlerRepository) Create(ctx context.Context, h *EventHandler) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO event_handlers (id, event_name, handler_name, enabled, priority, action_type,
			action_config, platform_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.EventName, h.HandlerName, h.Enabled, h.Priority, h.ActionType, h.ActionConfig, h.PlatformID)
	if err != nil {
		return fmt.Errorf("store: create event handler %s: %w", h.ID, err)
	}
	return nil
}

// ListForEvent returns every enabled handler for eventName, ordered by
// descending priority so the scheduler's onEvent dispatch runs handlers in
// the order operators configured.
func (r *EventHandlerRepository) ListForEvent(ctx context.Context, eventName string) ([]*EventHandler, error) {
	defer r.s.observeRead(time.Now())
	rows, err := r.s.pool.Query(ctx, `
		SELECT id, event_name, handler_name, enabled, priority, action_type, action_config,
			platform_id, executions_count, failure_count
		FROM event_handlers WHERE event_name = $1 AND enabled = true ORDER BY priority DESC`, eventName)
	if err != nil {
		return nil, fmt.Errorf("store: list handlers for %s: %w", eventName, err)
	}
	defer rows.Close()
	var out []*EventHandler
	for rows.Next() {
		var h EventHandler
		if err := rows.Scan(&h.ID, &h.EventName, &h.HandlerName, &h.Enabled, &h.Priority,
			&h.ActionType, &h.ActionConfig, &h.PlatformID, &h.ExecutionsCount, &h.FailureCount); err != nil {
			return nil, fmt.Errorf("store: scan event handler: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *EventHandlerRepository) RecordOutcome(ctx context.Context, id string, success bool) error {
	defer r.s.observeWrite(time.Now())
	col := "executions_count"
	if !success {
		col = "failure_count"
	}
	_, err := r.s.pool.Exec(ctx, fmt.Sprintf(`UPDATE event_handlers SET %s = %s + 1 WHERE id = $1`, col, col), id)
	if err != nil {
		return fmt.Errorf("store: record handler outcome %s: %w", id, err)
	}
	return nil
}

func (r *EventHandlerRepository) Delete(ctx context.Context, id string) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `DELETE FROM event_handlers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete event handler %s: %w", id, err)
	}
	return nil
}
