package streaming

import (
	"context"
	"errors"
)

// MultiPublisher fans an event out to every publisher. One failing sink
// does not stop the others; their errors are joined.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
