package ranker

import "sessioncore/internal/llmtypes"

// Queries is the up-to-two query strings §4.3.1 derives from the rolling
// context and current turn.
type Queries struct {
	UserQuery      string
	HasUserQuery   bool
	AssistantQuery string
	HasAssistant   bool
}

// DeriveQueries implements §4.3.1, generalized with the continuation
// fallback the original session manager's _build_memory_queries applies:
// when there is neither a current user turn nor a prior assistant turn in
// context, fall back to the most recent user turn in the rolling context
// rather than returning no queries outright. The fallback only engages
// when both primary sources are absent.
func DeriveQueries(rollingContext []llmtypes.Message, currentUserTurn string) Queries {
	q := Queries{}
	if currentUserTurn != "" {
		q.UserQuery = currentUserTurn
		q.HasUserQuery = true
	}
	for i := len(rollingContext) - 1; i >= 0; i-- {
		if rollingContext[i].Role == llmtypes.RoleAssistant {
			q.AssistantQuery = rollingContext[i].PlainText()
			q.HasAssistant = true
			break
		}
	}
	if !q.HasUserQuery && !q.HasAssistant {
		for i := len(rollingContext) - 1; i >= 0; i-- {
			if rollingContext[i].Role == llmtypes.RoleUser {
				q.UserQuery = rollingContext[i].PlainText()
				q.HasUserQuery = true
				break
			}
		}
	}
	return q
}
