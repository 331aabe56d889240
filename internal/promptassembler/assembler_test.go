package promptassembler

import (
	"testing"
	"time"

	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memory"
)

func TestAssembleCachesOnlyLastBlockOfPrefix(t *testing.T) {
	ctx := []llmtypes.Message{
		llmtypes.Text(llmtypes.RoleUser, "turn 1"),
		llmtypes.Text(llmtypes.RoleAssistant, "reply 1"),
		llmtypes.Text(llmtypes.RoleUser, "turn 2"),
		llmtypes.Text(llmtypes.RoleAssistant, "reply 2"),
	}
	out := Assemble(Input{
		RollingContext:          ctx,
		LastCachedContextLength: 2,
		Now:                     time.Now(),
		UserTurn:                "turn 3",
		HasUserTurn:             true,
	})

	cacheMarkers := 0
	for i, m := range out {
		for _, blk := range m.Blocks {
			if blk.Cache != nil {
				cacheMarkers++
				if i != 1 {
					t.Fatalf("expected the cache marker on message index 1 (last of cached prefix), got index %d", i)
				}
			}
		}
	}
	if cacheMarkers != 1 {
		t.Fatalf("expected exactly one cache marker, got %d", cacheMarkers)
	}
}

func TestAssembleOmitsCacheMarkerWithNoCachedPrefix(t *testing.T) {
	out := Assemble(Input{
		RollingContext:          nil,
		LastCachedContextLength: 0,
		Now:                     time.Now(),
		UserTurn:                "hello",
		HasUserTurn:             true,
	})
	for _, m := range out {
		for _, blk := range m.Blocks {
			if blk.Cache != nil {
				t.Fatalf("expected no cache marker when there is no cached prefix")
			}
		}
	}
}

func TestAssembleMemoriesSortedByIDNotScore(t *testing.T) {
	memories := []memory.Entry{
		{ID: "a1", Content: "low score but sorts first", CreatedAt: time.Now(), CombinedScore: 0.1},
		{ID: "z9", Content: "high score but sorts last", CreatedAt: time.Now(), CombinedScore: 0.9},
	}
	out := Assemble(Input{
		Now:             time.Now(),
		Memories:        memories,
		IncludeMemories: true,
		UserTurn:        "hi",
		HasUserTurn:     true,
	})
	final := out[len(out)-1].PlainText()
	posA := indexOf(final, "low score but sorts first")
	posZ := indexOf(final, "high score but sorts last")
	if posA == -1 || posZ == -1 || posA > posZ {
		t.Fatalf("expected memories rendered in id order (a1 before z9), got positions %d,%d", posA, posZ)
	}
}

func TestAssembleContinuationPromptUsedWhenNoUserTurn(t *testing.T) {
	out := Assemble(Input{
		Now:                time.Now(),
		HasUserTurn:        false,
		ContinuationPrompt: "Continue the conversation.",
	})
	final := out[len(out)-1].PlainText()
	if indexOf(final, "Continue the conversation.") == -1 {
		t.Fatalf("expected continuation prompt in final message, got %q", final)
	}
}

func TestAssemblePrependsMultiEntityParticipantHeader(t *testing.T) {
	ctx := []llmtypes.Message{
		llmtypes.Text(llmtypes.RoleUser, "[Human]: hi"),
		llmtypes.Text(llmtypes.RoleAssistant, "[Aria]: hello"),
	}
	out := Assemble(Input{
		RollingContext:    ctx,
		IsMultiEntity:     true,
		ParticipantLabels: []string{"Aria", "Nova"},
		Now:               time.Now(),
		UserTurn:          "turn",
		HasUserTurn:       true,
	})
	if indexOf(out[0].PlainText(), "[Conversation participants: Aria, Nova]") != 0 {
		t.Fatalf("expected participant header prepended to first message, got %q", out[0].PlainText())
	}
}

func TestAssembleOmitsParticipantHeaderWhenLabelsEmpty(t *testing.T) {
	ctx := []llmtypes.Message{llmtypes.Text(llmtypes.RoleUser, "[Human]: hi")}
	out := Assemble(Input{
		RollingContext: ctx,
		IsMultiEntity:  true,
		Now:            time.Now(),
		UserTurn:       "turn",
		HasUserTurn:    true,
	})
	if indexOf(out[0].PlainText(), "Conversation participants") != -1 {
		t.Fatalf("expected no participant header when ParticipantLabels is empty, got %q", out[0].PlainText())
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
