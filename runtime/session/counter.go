package session

import (
	"sync"
	"unicode/utf8"

	"github.com/skeinlabs/skein/runtime/model"
)

type (
	// TokenCounter estimates the prompt size of a conversation view. The
	// compactor uses it to decide when the view approaches the model's
	// context window.
	TokenCounter interface {
		// Count estimates the prompt tokens required to send msgs.
		Count(msgs []model.Message) int
		// Observe feeds back the provider-reported prompt size for a view so
		// adaptive implementations can calibrate. Implementations that do not
		// calibrate treat it as a no-op.
		Observe(msgs []model.Message, actual int)
	}

	// HeuristicCounter estimates tokens from text length: roughly one token
	// per four runes plus a fixed per-message overhead. Each Observe call
	// rescales the estimate toward the provider's actual accounting.
	HeuristicCounter struct {
		mu    sync.Mutex
		scale float64
	}
)

const (
	charsPerToken    = 4
	messageOverhead  = 4
	minObservedScale = 0.25
	maxObservedScale = 4.0
)

// NewHeuristicCounter returns a counter with a neutral calibration.
func NewHeuristicCounter() *HeuristicCounter {
	return &HeuristicCounter{scale: 1}
}

// Count implements TokenCounter.
func (c *HeuristicCounter) Count(msgs []model.Message) int {
	raw := rawEstimate(msgs)
	c.mu.Lock()
	scale := c.scale
	c.mu.Unlock()
	return int(float64(raw) * scale)
}

// Observe implements TokenCounter. The scale is clamped so one aberrant
// usage report cannot swing estimates by more than 4x either way.
func (c *HeuristicCounter) Observe(msgs []model.Message, actual int) {
	raw := rawEstimate(msgs)
	if raw <= 0 || actual <= 0 {
		return
	}
	scale := float64(actual) / float64(raw)
	if scale < minObservedScale {
		scale = minObservedScale
	}
	if scale > maxObservedScale {
		scale = maxObservedScale
	}
	c.mu.Lock()
	c.scale = scale
	c.mu.Unlock()
}

func rawEstimate(msgs []model.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				total += tokensFor(v.Text)
			case model.ThinkingPart:
				total += tokensFor(v.Text)
			case model.ToolUsePart:
				total += tokensFor(v.Name) + tokensFor(string(v.Args))
			case model.ToolResultPart:
				total += tokensFor(v.Content)
			}
		}
	}
	return total
}

func tokensFor(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}
