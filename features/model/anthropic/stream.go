package anthropic

import (
	"context"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/skeinlabs/skein/runtime/model"
)

// streamer adapts an Anthropic Messages streaming stream to the
// model.Streamer interface. A pump goroutine converts SSE events into chunks
// so Recv honors context cancellation even while the HTTP read blocks.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run(nameMap)
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		return model.Chunk{}, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	out := map[string]any{"provider": "anthropic"}
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) run(nameMap map[string]string) {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newChunkProcessor(s.emitChunk, s.setMeta, nameMap)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(providerError("messages_stream", err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
			return
		}
		if err := processor.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setMeta(key string, value any) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Anthropic streaming events into model.Chunks. Tool
// argument JSON is forwarded as fragments keyed by content block index; the
// accumulator on the consumer side reassembles them.
type chunkProcessor struct {
	emit    func(model.Chunk) error
	setMeta func(key string, value any)

	toolNameMap map[string]string
	openTools   map[int]bool

	stopReason string
}

func newChunkProcessor(emit func(model.Chunk) error, setMeta func(string, any), nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		setMeta:     setMeta,
		toolNameMap: nameMap,
		openTools:   make(map[int]bool),
	}
}

func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.openTools = make(map[int]bool)
		p.stopReason = ""
		if ev.Message.Model != "" {
			p.setMeta("model", string(ev.Message.Model))
		}
		if in := int(ev.Message.Usage.InputTokens); in > 0 {
			return p.emit(model.Chunk{
				Type:  model.ChunkTypeUsage,
				Usage: &model.TokenUsage{InputTokens: in},
			})
		}
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			name := toolUse.Name
			// The provider echoes the sanitized tool name. Hallucinated names
			// with no reverse mapping pass through as-is so the runtime turns
			// them into an unknown-tool result the model can recover from.
			if canonical, ok := p.toolNameMap[name]; ok {
				name = canonical
			}
			p.openTools[idx] = true
			return p.emit(model.Chunk{
				Type: model.ChunkTypeToolCall,
				ToolCall: &model.ToolCallDelta{
					Index: idx,
					ID:    toolUse.ID,
					Name:  name,
				},
			})
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" || !p.openTools[idx] {
				return nil
			}
			return p.emit(model.Chunk{
				Type:     model.ChunkTypeToolCall,
				ToolCall: &model.ToolCallDelta{Index: idx, Args: delta.PartialJSON},
			})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Thinking: delta.Thinking})
		case sdk.SignatureDelta:
			if delta.Signature == "" {
				return nil
			}
			// The signature seals the thinking block; the accumulator starts a
			// new part on the next thinking delta.
			return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Signature: delta.Signature})
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		delete(p.openTools, int(ev.Index))
		return nil
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := model.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	case sdk.MessageStopEvent:
		return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
	}
	return nil
}
