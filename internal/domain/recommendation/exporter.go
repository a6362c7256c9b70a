package recommendation

import (
	"context"
)

type jsonPublisher interface {
	PublishJSON(ctx context.Context, eventType string, data interface{}) (string, error)
}

// StreamExporter forwards events to a Redis stream for the learning loop.
type StreamExporter struct {
	pub jsonPublisher
}

func NewStreamExporter(pub jsonPublisher) *StreamExporter {
	return &StreamExporter{pub: pub}
}

func (s *StreamExporter) Export(ctx context.Context, ev Event) error {
	_, err := s.pub.PublishJSON(ctx, ev.Type, ev)
	return err
}
