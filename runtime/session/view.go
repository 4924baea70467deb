package session

import (
	"github.com/skeinlabs/skein/runtime/model"
)

// summaryPreamble frames a compaction summary when it re-enters the
// conversation, so the model reads it as recap rather than fresh input.
const summaryPreamble = "Summary of the conversation so far:"

// Project rebuilds the provider conversation from the log. It is a pure
// function of the entries: repeated projection of an unmodified log yields
// byte-identical output.
//
// Three rules shape the view:
//   - A rewind marker truncates the view back to its referenced turn
//     boundary; entries appended after the marker then extend it again.
//   - The last compaction marker stands in for everything before it.
//   - Tool-use parts whose terminal result never arrived are dropped, along
//     with results that answer no surviving tool use, so interrupted calls
//     replay as if never issued.
func Project(entries []Entry) []model.Message {
	visible := visibleEntries(entries)

	// Result positions by call ID. A tool use only counts as resolved when
	// its result arrives after the assistant message that issued it.
	resultAt := make(map[string][]int)
	for i, e := range visible {
		if e.Kind == EntryToolResult && e.ToolResult != nil {
			id := e.ToolResult.CallID
			resultAt[id] = append(resultAt[id], i)
		}
	}

	issued := make(map[string]bool)
	var msgs []model.Message
	var pending []model.Part

	flushResults := func() {
		if len(pending) == 0 {
			return
		}
		msgs = append(msgs, model.Message{Role: model.RoleTool, Parts: pending})
		pending = nil
	}

	for i, e := range visible {
		switch e.Kind {
		case EntryUserMessage:
			flushResults()
			msgs = append(msgs, model.UserText(e.User.Text))

		case EntryAssistantMessage:
			flushResults()
			resolved := func(id string) bool {
				for _, at := range resultAt[id] {
					if at > i {
						return true
					}
				}
				return false
			}
			msg := projectAssistant(e.Assistant.Message, resolved)
			if len(msg.Parts) == 0 {
				continue
			}
			for _, tu := range msg.ToolUses() {
				issued[tu.ID] = true
			}
			msgs = append(msgs, msg)

		case EntryToolResult:
			tr := e.ToolResult
			if !issued[tr.CallID] {
				continue
			}
			pending = append(pending, model.ToolResultPart{
				ToolUseID: tr.CallID,
				Content:   tr.Content,
				IsError:   tr.IsError,
			})

		case EntryCompactionMarker:
			flushResults()
			msgs = append(msgs, model.UserText(summaryPreamble+"\n\n"+e.Compaction.Summary))

		case EntryTurnBoundary, EntryRewindMarker:
			// Markers only; they carry no conversation content.
		}
	}
	flushResults()
	return msgs
}

// visibleEntries applies rewind truncation and the last-compaction
// substitution, returning the entries the projection walks. The compaction
// marker itself leads the result so its summary is projected in place.
func visibleEntries(entries []Entry) []Entry {
	visible := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Kind == EntryRewindMarker {
			if e.Rewind == nil {
				continue
			}
			if idx := lastBoundary(visible, e.Rewind.TurnID); idx >= 0 {
				visible = visible[:idx+1]
			}
			continue
		}
		visible = append(visible, e)
	}

	for i := len(visible) - 1; i >= 0; i-- {
		if visible[i].Kind == EntryCompactionMarker {
			return applyCompaction(visible, i)
		}
	}
	return visible
}

// applyCompaction rebuilds the visible sequence around the last compaction
// marker at index i: the marker leads, followed by the preserved turns it
// references and anything appended after it. Older markers inside the
// preserved range are superseded and dropped. A marker whose boundary
// cannot be found stands in for everything before it.
func applyCompaction(visible []Entry, i int) []Entry {
	marker := visible[i]
	cut := -1
	if id := marker.Compaction.TurnID; id != "" {
		cut = lastBoundary(visible[:i], id)
	}
	if cut < 0 {
		return visible[i:]
	}
	out := make([]Entry, 0, len(visible)-cut)
	out = append(out, marker)
	for _, e := range visible[cut:i] {
		if e.Kind == EntryCompactionMarker {
			continue
		}
		out = append(out, e)
	}
	return append(out, visible[i+1:]...)
}

func lastBoundary(entries []Entry, turnID string) int {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Kind == EntryTurnBoundary && e.Boundary != nil && e.Boundary.TurnID == turnID {
			return i
		}
	}
	return -1
}

// projectAssistant filters an assistant message down to the parts that may
// replay: text and thinking always survive, tool uses only when their result
// arrived.
func projectAssistant(msg model.Message, resolved func(id string) bool) model.Message {
	out := model.Message{Role: model.RoleAssistant}
	for _, p := range msg.Parts {
		if tu, ok := p.(model.ToolUsePart); ok && !resolved(tu.ID) {
			continue
		}
		out.Parts = append(out.Parts, p)
	}
	return out
}
