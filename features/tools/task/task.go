// Package task provides the subagent dispatch tool. A task call spawns a
// child turn with a fenced context seeded from the task prompt and a
// restricted tool set; the child's final text becomes the tool result the
// parent model sees. Dispatch requires approval, runs serially from the
// scheduler's point of view, and declares itself unpooled so waiting on the
// child never holds a worker slot the child's own tools need. Concurrency
// across subagents comes from the model issuing several task calls in one
// step.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/skeinlabs/skein/runtime/tool"
	"github.com/skeinlabs/skein/runtime/turn"
)

type (
	// Options tunes subagent dispatch.
	Options struct {
		// MaxSteps caps the child turn's model-call iterations. Zero
		// inherits the parent's limit.
		MaxSteps int
	}

	taskTool struct {
		maxSteps int
	}
)

// New returns the task tool.
func New(opts Options) tool.Tool {
	return &taskTool{maxSteps: opts.MaxSteps}
}

func (t *taskTool) Name() string { return "task" }

func (t *taskTool) Description() string {
	return "Dispatch a subagent to work on a self-contained task and return its final report. " +
		"The subagent starts from the prompt alone: include every fact and constraint it needs. " +
		"Use tools to restrict which capabilities it may call."
}

func (t *taskTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "Short (3-6 word) summary of the task, shown to the user",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Complete instructions for the subagent",
			},
			"tools": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tool names the subagent may call; empty allows all except task",
			},
		},
		"required": []any{"description", "prompt"},
	}
}

func (t *taskTool) Mutating() bool     { return true }
func (t *taskTool) ParallelSafe() bool { return false }
func (t *taskTool) Unpooled() bool     { return true }

// DescribeAction renders the approval prompt from the task summary.
func (t *taskTool) DescribeAction(args json.RawMessage) (string, string) {
	var in taskArgs
	if err := json.Unmarshal(args, &in); err != nil || strings.TrimSpace(in.Description) == "" {
		return "dispatch a subagent", ""
	}
	return fmt.Sprintf("dispatch subagent: %s", in.Description), ""
}

type taskArgs struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools"`
}

func (t *taskTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	var in taskArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "task: %v", err), nil
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return tool.Fail(tool.ErrorKindInvalidArgs, "task: prompt is required"), nil
	}
	spawner, ok := turn.SpawnerFrom(ctx)
	if !ok {
		return nil, errors.New("task: no spawner in invocation context")
	}

	out, err := spawner.Spawn(ctx, turn.SpawnRequest{
		Input:    in.Prompt,
		Tools:    in.Tools,
		MaxSteps: t.maxSteps,
	})
	if err != nil {
		return nil, err
	}
	switch out.Status {
	case turn.StatusCompleted:
		text := out.Text
		if text == "" {
			text = "(subagent completed without a report)"
		}
		return tool.Text(text), nil
	case turn.StatusInterrupted:
		return tool.Fail(tool.ErrorKindInterrupted, "subagent interrupted"), nil
	case turn.StatusStepLimitExceeded:
		return tool.Failf(tool.ErrorKindExecFailed, "subagent exceeded its step limit after %d steps", out.Steps), nil
	default:
		return tool.Failf(tool.ErrorKindExecFailed, "subagent failed: %s", out.Reason), nil
	}
}
