package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"sessioncore/internal/memory"
	"sessioncore/internal/sessionmanager"
	"sessioncore/internal/toolexec"
	"sessioncore/internal/toolloop"
)

// sendRequest is spec §6's POST /send request body.
type sendRequest struct {
	ConversationID     string `json:"conversation_id"`
	Message            string `json:"message"`
	RespondingEntityID string `json:"responding_entity_id"`
	UserDisplayName    string `json:"user_display_name"`
}

type sendResponse struct {
	MessageID              string   `json:"message_id"`
	Content                string   `json:"content"`
	Model                  string   `json:"model"`
	StopReason             string   `json:"stop_reason"`
	NewMemoriesRetrieved   int      `json:"new_memories_retrieved"`
	TotalMemoriesInContext int      `json:"total_memories_in_context"`
	TrimmedMemoryIDs       []string `json:"trimmed_memory_ids,omitempty"`
	TrimmedContextMessages int      `json:"trimmed_context_messages,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ConversationID == "" {
		respondError(w, http.StatusBadRequest, errors.New("conversation_id is required"))
		return
	}

	if s.manager.Get(req.ConversationID) == nil {
		if _, err := s.manager.LoadFromDB(r.Context(), req.ConversationID, req.RespondingEntityID, nil); err != nil {
			respondError(w, statusFromError(err), err)
			return
		}
	}

	res, err := s.manager.ProcessMessage(r.Context(), req.ConversationID, req.Message, s.notes.Notes(req.ConversationID, req.RespondingEntityID))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	respondJSON(w, http.StatusOK, sendResponse{
		MessageID:              uuid.NewString(),
		Content:                res.Content,
		Model:                  res.Model,
		StopReason:             string(res.StopReason),
		NewMemoriesRetrieved:   res.NewMemoriesRetrieved,
		TotalMemoriesInContext: res.TotalMemoriesInContext,
		TrimmedMemoryIDs:       res.TrimmedMemoryIDs,
		TrimmedContextMessages: res.TrimmedContextMessages,
	})
}

// streamRequest is spec §6's POST /stream request body. Message may be
// empty in a multi-entity conversation to request a continuation turn
// from the named responding entity (spec §8).
type streamRequest struct {
	ConversationID     string `json:"conversation_id"`
	Message            string `json:"message"`
	HasMessage         bool   `json:"has_message"`
	RespondingEntityID string `json:"responding_entity_id"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ConversationID == "" {
		respondError(w, http.StatusBadRequest, errors.New("conversation_id is required"))
		return
	}
	hasMessage := req.HasMessage || req.Message != ""

	if s.manager.Get(req.ConversationID) == nil {
		if _, err := s.manager.LoadFromDB(r.Context(), req.ConversationID, req.RespondingEntityID, nil); err != nil {
			respondError(w, statusFromError(err), err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	registry := s.toolsFor(req.ConversationID, req.RespondingEntityID)

	_, err := s.manager.ProcessMessageStream(r.Context(), req.ConversationID, req.Message, hasMessage, registry, s.notes.Notes(req.ConversationID, req.RespondingEntityID), sink)
	if err != nil {
		sink.writeEvent("error", map[string]string{"error": err.Error()})
	}
}

type regenerateRequest struct {
	ConversationID     string `json:"conversation_id"`
	RespondingEntityID string `json:"responding_entity_id"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ConversationID == "" {
		respondError(w, http.StatusBadRequest, errors.New("conversation_id is required"))
		return
	}

	if s.manager.Get(req.ConversationID) == nil {
		if _, err := s.manager.LoadFromDB(r.Context(), req.ConversationID, req.RespondingEntityID, nil); err != nil {
			respondError(w, statusFromError(err), err)
			return
		}
	}

	pendingText, hasPendingText, err := s.manager.Regenerate(r.Context(), req.ConversationID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	registry := s.toolsFor(req.ConversationID, req.RespondingEntityID)
	_, err = s.manager.ProcessMessageStream(r.Context(), req.ConversationID, pendingText, hasPendingText, registry, s.notes.Notes(req.ConversationID, req.RespondingEntityID), sink)
	if err != nil {
		sink.writeEvent("error", map[string]string{"error": err.Error()})
	}
}

// sseSink implements toolloop.Sink over a text/event-stream response,
// emitting exactly the named events spec §6/§4.7 requires.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) writeEvent(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

func (s *sseSink) OnMemories(entries []memory.Entry) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	s.writeEvent("memories", map[string]any{"memory_ids": ids})
}

func (s *sseSink) OnStart() { s.writeEvent("start", map[string]string{}) }

func (s *sseSink) OnToken(text string) { s.writeEvent("token", map[string]string{"text": text}) }

func (s *sseSink) OnToolStart(toolUseID, name string, input json.RawMessage) {
	s.writeEvent("tool_start", map[string]any{"tool_use_id": toolUseID, "name": name, "input": input})
}

func (s *sseSink) OnToolResult(res toolexec.Result) {
	s.writeEvent("tool_result", map[string]any{"tool_use_id": res.ToolUseID, "content": res.Content, "is_error": res.IsError})
}

func (s *sseSink) OnDone(res toolloop.Result) {
	s.writeEvent("done", map[string]any{
		"content":     res.Content,
		"stop_reason": string(res.StopReason),
		"model":       res.Model,
	})
}

func (s *sseSink) OnError(err error) {
	s.writeEvent("error", map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, sessionmanager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessionmanager.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, sessionmanager.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
