package bedrock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/skeinlabs/skein/runtime/model"
)

// streamer adapts a Bedrock ConverseStream event stream to the model.Streamer
// interface. A pump goroutine converts events into chunks so Recv honors
// context cancellation even while the event stream blocks.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string, modelID string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	if modelID != "" {
		s.metadata = map[string]any{"model": modelID}
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
	out := map[string]any{"provider": "bedrock"}
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

	processor := newChunkProcessor(s.emitChunk, nameMap)
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(providerError("converse_stream", err))
				} else if err := s.ctx.Err(); err != nil {
					s.setErr(err)
				} else {
					s.setErr(nil)
				}
				return
			}
			if err := processor.Handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// chunkProcessor converts Bedrock streaming events into model.Chunks. Tool
// argument JSON is forwarded as fragments keyed by content block index; the
// accumulator on the consumer side reassembles them.
type chunkProcessor struct {
	emit func(model.Chunk) error

	toolNameMap map[string]string
	openTools   map[int]bool

	stopReason string
}

func newChunkProcessor(emit func(model.Chunk) error, nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		toolNameMap: nameMap,
		openTools:   make(map[int]bool),
	}
}

func (p *chunkProcessor) Handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.openTools = make(map[int]bool)
		p.stopReason = ""
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			name := normalizeToolName(aws.ToString(toolUse.Value.Name))
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
					ID:    aws.ToString(toolUse.Value.ToolUseId),
					Name:  name,
				},
			})
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			switch reasoning := delta.Value.(type) {
			case *brtypes.ReasoningContentBlockDeltaMemberText:
				if reasoning.Value == "" {
					return nil
				}
				return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Thinking: reasoning.Value})
			case *brtypes.ReasoningContentBlockDeltaMemberSignature:
				if reasoning.Value == "" {
					return nil
				}
				// The signature seals the thinking block; the accumulator
				// starts a new part on the next thinking delta.
				return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Signature: reasoning.Value})
			default:
				return nil
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			input := aws.ToString(delta.Value.Input)
			if input == "" || !p.openTools[idx] {
				return nil
			}
			return p.emit(model.Chunk{
				Type:     model.ChunkTypeToolCall,
				ToolCall: &model.ToolCallDelta{Index: idx, Args: input},
			})
		default:
			return nil
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		delete(p.openTools, idx)
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.stopReason = string(ev.Value.StopReason)
		return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		usage := model.TokenUsage{
			InputTokens:  int(aws.ToInt32(ev.Value.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	}
	return nil
}

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, fmt.Errorf("bedrock: content block index missing")
	}
	return int(*idx), nil
}
