package record

import (
	"context"

	"github.com/skeinlabs/skein/runtime/wire"
)

// Sink adapts a Store to wire.Sink so the record sits directly on the emit
// path: every envelope sent to the sink is appended before Send returns.
type Sink struct {
	store Store
}

// NewSink wraps a store as a wire sink.
func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

// Send implements wire.Sink.
func (s *Sink) Send(ctx context.Context, msg wire.Message) error {
	e, err := FromMessage(msg)
	if err != nil {
		return err
	}
	return s.store.Append(ctx, e)
}

// Close implements wire.Sink. It closes the underlying store when the store
// owns closeable resources.
func (s *Sink) Close(ctx context.Context) error {
	if c, ok := s.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
