package openai

import (
	"context"
	"io"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/skeinlabs/skein/runtime/model"
)

// streamer adapts a Chat Completions SSE stream to the model.Streamer
// interface. A pump goroutine converts chunks so Recv honors context
// cancellation even while the HTTP read blocks.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], nameMap map[string]string) model.Streamer {
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
	out := map[string]any{"provider": "openai"}
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
				s.setErr(providerError("chat_completions_stream", err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				// Chat Completions has no terminal event; a clean EOF marks the
				// end of the assistant turn.
				s.setErr(processor.Finish())
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

// chunkProcessor converts Chat Completions chunks into model.Chunks. Tool
// argument JSON is forwarded as fragments keyed by the provider's tool call
// index; the accumulator on the consumer side reassembles them.
type chunkProcessor struct {
	emit    func(model.Chunk) error
	setMeta func(key string, value any)

	toolNameMap map[string]string
	modelSeen   bool

	stopReason string
}

func newChunkProcessor(emit func(model.Chunk) error, setMeta func(string, any), nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		setMeta:     setMeta,
		toolNameMap: nameMap,
	}
}

func (p *chunkProcessor) Handle(chunk sdk.ChatCompletionChunk) error {
	if !p.modelSeen && chunk.Model != "" {
		p.modelSeen = true
		p.setMeta("model", chunk.Model)
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if err := p.emit(model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		if choice.Delta.Refusal != "" {
			if err := p.emit(model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Refusal}); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			name := tc.Function.Name
			// The provider echoes the sanitized tool name on the first
			// fragment. Hallucinated names with no reverse mapping pass
			// through as-is so the runtime turns them into an unknown-tool
			// result the model can recover from.
			if name != "" {
				if canonical, ok := p.toolNameMap[name]; ok {
					name = canonical
				}
			}
			delta := model.ToolCallDelta{
				Index: int(tc.Index),
				ID:    tc.ID,
				Name:  name,
				Args:  tc.Function.Arguments,
			}
			if err := p.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &delta}); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" {
			p.stopReason = choice.FinishReason
		}
	}
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		usage := model.TokenUsage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	}
	return nil
}

// Finish emits the terminal stop chunk after the stream ends cleanly.
func (p *chunkProcessor) Finish() error {
	return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
}
