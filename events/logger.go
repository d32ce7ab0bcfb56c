package events

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// LogPublisher writes every event to the standard logger. It is a
// Publisher that needs no store, useful where a caller only wants to
// observe emitted events; nothing in this module falls back to it on its
// own.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher returns a Publisher that logs every event.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, kind Kind, evt Event) error {
	evt.Kind = kind
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	p.logger.Printf("[events] %s: %s", kind, string(data))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
