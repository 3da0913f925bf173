// Package events defines the bus subjects and event types published by the
// engine, and selects the configured bus backend.
package events

import (
	"fmt"
	"strings"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// Subjects. Task lifecycle transitions wake the scheduler; session subjects
// exist for external observers.
const (
	SubjectTaskCreated    = "task.created"
	SubjectTaskTransition = "task.transition"
	SubjectTaskAll        = "task.*"
	SubjectSessionEnded   = "session.ended"
)

// Source identifies this process on published events.
const Source = "agentdeck"

// TaskTransition builds a task.transition event payload.
func TaskTransition(taskID, from, to string) *bus.Event {
	return bus.NewEvent(SubjectTaskTransition, Source, map[string]any{
		"task_id": taskID,
		"from":    from,
		"to":      to,
	})
}

// TaskCreated builds a task.created event payload.
func TaskCreated(taskID string) *bus.Event {
	return bus.NewEvent(SubjectTaskCreated, Source, map[string]any{
		"task_id": taskID,
	})
}

// Provide builds the configured event bus: NATS when a URL is set, the
// in-memory bus otherwise. The cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
