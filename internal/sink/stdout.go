package sink

import (
	"context"
	"encoding/json"
	"log"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
)

// StdoutSink logs every event as a structured line, grounded on the
// teacher's plain `log.Printf` diagnostics (no teacher equivalent of a
// dedicated event logger existed, so this follows the stdlib `log`
// ambient-stack choice used throughout the rest of the tree).
type StdoutSink struct {
	logger *log.Logger
}

func NewStdoutSink(logger *log.Logger) *StdoutSink {
	if logger == nil {
		logger = log.Default()
	}
	return &StdoutSink{logger: logger}
}

func (s *StdoutSink) Publish(ctx context.Context, event events.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.logger.Printf("domain_event %s", data)
	return nil
}
