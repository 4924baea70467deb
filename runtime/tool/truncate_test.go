package tool

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	return strings.Join(lines, "\n")
}

func TestTruncateUnderBudgetUntouched(t *testing.T) {
	t.Parallel()

	in := numberedLines(5)
	out, cut := Truncate(in, Truncation{MaxChars: 1000, MaxLines: 10})
	assert.False(t, cut)
	assert.Equal(t, in, out)
}

func TestTruncateHeadTailLines(t *testing.T) {
	t.Parallel()

	out, cut := Truncate(numberedLines(10), Truncation{MaxChars: 1000, MaxLines: 4})
	require.True(t, cut)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "line 1", lines[0])
	assert.Equal(t, "line 2", lines[1])
	assert.Equal(t, "[... 6 lines truncated ...]", lines[2])
	assert.Equal(t, "line 9", lines[3])
	assert.Equal(t, "line 10", lines[4])
}

func TestTruncateTailLines(t *testing.T) {
	t.Parallel()

	out, cut := Truncate(numberedLines(10), Truncation{MaxChars: 1000, MaxLines: 3, Mode: TruncateTail})
	require.True(t, cut)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "[... 7 lines truncated ...]", lines[0])
	assert.Equal(t, "line 8", lines[1])
	assert.Equal(t, "line 10", lines[3])
}

func TestTruncateHeadTailRunes(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out, cut := Truncate(in, Truncation{MaxChars: 10, MaxLines: 100})
	require.True(t, cut)
	assert.True(t, strings.HasPrefix(out, "aaaaa\n"))
	assert.True(t, strings.HasSuffix(out, "\nbbbbb"))
	assert.Contains(t, out, "[... 90 chars truncated ...]")
}

func TestTruncateTailRunes(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("a", 90) + strings.Repeat("z", 10)
	out, cut := Truncate(in, Truncation{MaxChars: 10, MaxLines: 100, Mode: TruncateTail})
	require.True(t, cut)
	assert.True(t, strings.HasSuffix(out, strings.Repeat("z", 10)))
	assert.Contains(t, out, "[... 90 chars truncated ...]")
}

type cappedTool struct {
	fakeTool
}

func (cappedTool) OutputBudget() Truncation {
	return Truncation{MaxChars: 80, Mode: TruncateTail}
}

func TestBudgetFor(t *testing.T) {
	t.Parallel()

	def := BudgetFor(&fakeTool{name: "plain"})
	assert.Equal(t, DefaultMaxChars, def.MaxChars)
	assert.Equal(t, DefaultMaxLines, def.MaxLines)
	assert.Equal(t, TruncateHeadTail, def.Mode)

	capped := BudgetFor(&cappedTool{fakeTool{name: "shell"}})
	assert.Equal(t, 80, capped.MaxChars)
	assert.Equal(t, DefaultMaxLines, capped.MaxLines)
	assert.Equal(t, TruncateTail, capped.Mode)
}
