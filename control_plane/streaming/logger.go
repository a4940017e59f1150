package streaming

import (
	"context"
	"log/slog"
)

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{
		logger: logger.With("component", "streaming"),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "publish",
		"topic", ev.Topic,
		"event_id", ev.ID,
		"tenant", ev.TenantID,
		"controller_id", ev.ControllerID,
		"payload", string(ev.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Info("closed log publisher")
	return nil
}
