package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/skeinlabs/skein/features/stream/pulse/clients/pulse"
	"github.com/skeinlabs/skein/runtime/wire"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume envelopes. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "skein_subscriber".
		SinkName string
		// Buffer specifies the message channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes session streams and emits the wire messages that
	// were broadcast into them. It wraps a Pulse sink (consumer group) and
	// decodes incoming envelopes back into typed messages.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; SinkName and Buffer default when unset.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "skein_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// SessionStream returns the stream name the sink publishes a session to.
func SessionStream(sessionID string) string {
	return fmt.Sprintf("session/%s", sessionID)
}

// Subscribe opens a Pulse sink on the session's stream and returns channels
// for messages and errors. It spawns a goroutine that consumes from the sink,
// decodes envelopes, and emits wire messages. The returned cancel function
// stops consumption, closes the sink, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	sessionID string,
	opts ...streamopts.Sink,
) (<-chan wire.Message, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(SessionStream(sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	msgs := make(chan wire.Message, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, msgs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return msgs, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes the envelopes,
// and emits them on the out channel. Each event is acked after successful
// emission. Closes both channels on exit.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- wire.Message, errs chan<- error) {
	defer close(out)
	defer close(errs)
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			var env wire.Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse unmarshal envelope: %w", err)
				return
			}
			msg, err := wire.Decode(env)
			if err != nil {
				errs <- fmt.Errorf("pulse decode envelope: %w", err)
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
