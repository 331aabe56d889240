// Package promptassembler builds the single ordered message sequence with
// exactly one cache-control marker that the LLM client consumes (spec
// §4.5).
package promptassembler

import (
	"fmt"
	"strings"
	"time"

	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memory"
)

// Notes is the opaque per-entity/shared notes collaborator spec §4.5
// leaves external.
type Notes struct {
	EntityNotes string
	SharedNotes string
}

// Input carries everything the Assembler needs, already computed by the
// Session and Ranker.
type Input struct {
	RollingContext          []llmtypes.Message
	LastCachedContextLength int
	Memories                []memory.Entry // already sorted by id; omit entirely to suppress the block
	IncludeMemories         bool
	ConversationStartDate   *time.Time
	Now                     time.Time
	UserDisplayName         string
	RespondingLabel         string
	IsMultiEntity           bool
	ParticipantLabels       []string
	Notes                   Notes
	UserTurn                string
	HasUserTurn             bool // false only for multi-entity continuations
	ContinuationPrompt      string
}

// Assemble implements spec §4.5's message sequence construction.
func Assemble(in Input) []llmtypes.Message {
	n := len(in.RollingContext)
	cachedLen := in.LastCachedContextLength
	if cachedLen > n {
		cachedLen = n
	}
	if cachedLen < 0 {
		cachedLen = 0
	}

	var out []llmtypes.Message
	if cachedLen > 0 {
		cached := append([]llmtypes.Message(nil), in.RollingContext[:cachedLen]...)
		last := len(cached) - 1
		cached[last] = cached[last].WithCacheOnLast()
		out = append(out, cached...)
	}
	newTail := in.RollingContext[cachedLen:]
	out = append(out, newTail...)

	if in.IsMultiEntity && len(out) > 0 && len(in.ParticipantLabels) > 0 {
		header := "[Conversation participants: " + strings.Join(in.ParticipantLabels, ", ") + "]\n\n"
		out[0] = prependText(out[0], header)
	}

	final := buildFinalMessage(in, n)
	out = append(out, final)
	return out
}

func prependText(m llmtypes.Message, prefix string) llmtypes.Message {
	if len(m.Blocks) == 0 {
		return llmtypes.Text(m.Role, prefix)
	}
	cp := m
	cp.Blocks = append([]llmtypes.ContentBlock(nil), m.Blocks...)
	for i := range cp.Blocks {
		if cp.Blocks[i].Type == llmtypes.BlockText {
			cp.Blocks[i].Text = prefix + cp.Blocks[i].Text
			return cp
		}
	}
	cp.Blocks = append([]llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: prefix}}, cp.Blocks...)
	return cp
}

func buildFinalMessage(in Input, historyLen int) llmtypes.Message {
	var b strings.Builder

	if historyLen == 0 {
		b.WriteString("[CONVERSATION HISTORY]\n")
	}
	if historyLen > 0 {
		b.WriteString("[/CONVERSATION HISTORY]\n\n")
	}

	if in.IncludeMemories && len(in.Memories) > 0 {
		b.WriteString("[MEMORIES FROM PREVIOUS CONVERSATIONS]\n")
		for _, m := range in.Memories {
			label := m.RenderLabel(in.UserDisplayName, in.RespondingLabel)
			ts := m.CreatedAt.UTC().Format(time.RFC3339)
			fmt.Fprintf(&b, "Memory from %s (from %s):\n\"%s\"\n\n", label, ts, m.Content)
		}
		b.WriteString("[/MEMORIES]\n\n")
	}

	b.WriteString("[CURRENT USER MESSAGE]\n")

	b.WriteString("[DATE CONTEXT]\n")
	if in.ConversationStartDate != nil {
		fmt.Fprintf(&b, "Conversation started: %s\n", in.ConversationStartDate.UTC().Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "Current date: %s\n\n", in.Now.UTC().Format("2006-01-02"))

	if in.Notes.EntityNotes != "" {
		fmt.Fprintf(&b, "%s\n\n", in.Notes.EntityNotes)
	}
	if in.Notes.SharedNotes != "" {
		fmt.Fprintf(&b, "%s\n\n", in.Notes.SharedNotes)
	}

	if in.HasUserTurn {
		text := in.UserTurn
		if in.IsMultiEntity {
			text = "[Human]: " + text
		}
		b.WriteString(text)
	} else {
		b.WriteString(in.ContinuationPrompt)
	}

	return llmtypes.Text(llmtypes.RoleUser, b.String())
}
