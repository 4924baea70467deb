// Package pulse exposes a wire.Sink implementation that broadcasts wire
// envelopes to goa.design/pulse streams, one stream per session. It mirrors
// the layering used by existing Pulse deployments: services build a Redis
// client, pass it to the Pulse client, and hand the resulting sink to the
// engine as a secondary broadcast target. The broadcast is best-effort from
// the engine's point of view; the session's JSONL wire record remains
// authoritative.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/skeinlabs/skein/features/stream/pulse/clients/pulse"
	"github.com/skeinlabs/skein/runtime/wire"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish envelopes. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from a message. Defaults
		// to `session/<SessionID>`.
		StreamID func(wire.Message) (string, error)
		// OnPublished observes each published envelope with its Redis entry
		// ID. Optional.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent reports one successful publish.
	PublishedEvent struct {
		// Message is the wire message that was published.
		Message wire.Message
		// StreamID is the Pulse stream the envelope was added to.
		StreamID string
		// EntryID is the Redis-assigned stream entry ID.
		EntryID string
	}

	// Sink publishes wire envelopes into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client      clientspulse.Client
		streamID    func(wire.Message) (string, error)
		onPublished func(ctx context.Context, ev PublishedEvent) error
	}
)

// NewSink constructs a Pulse-backed wire sink. The Client field in opts is
// required; StreamID defaults to the built-in session/<id> derivation.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
	}, nil
}

// Send implements wire.Sink. It encodes the message as its envelope, derives
// the session stream, and publishes the envelope under the message kind as
// the event name.
func (s *Sink) Send(ctx context.Context, msg wire.Message) error {
	streamID, err := s.streamID(msg)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: marshal envelope: %w", err)
	}
	id, err := handle.Add(ctx, string(msg.Kind()), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Message: msg, StreamID: streamID, EntryID: id})
	}
	return nil
}

// Close implements wire.Sink. It delegates to the underlying Pulse client,
// which may or may not close the Redis connection depending on the client
// implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the message's session.
func defaultStreamID(msg wire.Message) (string, error) {
	if msg.SessionID() == "" {
		return "", errors.New("wire message missing session id")
	}
	return fmt.Sprintf("session/%s", msg.SessionID()), nil
}
