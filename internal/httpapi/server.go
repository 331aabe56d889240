// Package httpapi exposes the core's External Interfaces (spec §6): POST
// /send, POST /stream (SSE), POST /regenerate.
package httpapi

import (
	"net/http"

	"sessioncore/internal/convstore"
	"sessioncore/internal/memorystore"
	"sessioncore/internal/promptassembler"
	"sessioncore/internal/ranker"
	"sessioncore/internal/sessionmanager"
	"sessioncore/internal/toolexec"
)

// Server wires the Session Manager to the HTTP surface.
type Server struct {
	manager  *sessionmanager.Manager
	conv     convstore.Store
	memStore *memorystore.Adapter
	rnk      *ranker.Ranker
	registry *toolexec.Registry
	notes    NotesProvider
	mux      *http.ServeMux
}

// NotesProvider supplies the opaque entity/shared notes blocks spec §4.5
// leaves external.
type NotesProvider interface {
	Notes(conversationID, entityID string) promptassembler.Notes
}

// NewServer constructs the HTTP API server. registry carries the
// conversation-independent tools (e.g. web search); the deliberate
// memory_query tool (spec §4.9) is layered on per-request since it is
// bound to a specific conversation/entity.
func NewServer(manager *sessionmanager.Manager, conv convstore.Store, memStore *memorystore.Adapter, rnk *ranker.Ranker, registry *toolexec.Registry, notes NotesProvider) *Server {
	s := &Server{manager: manager, conv: conv, memStore: memStore, rnk: rnk, registry: registry, notes: notes}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

// toolsFor builds the per-request tool registry: the shared base tools
// plus memory_query bound to this conversation/entity.
func (s *Server) toolsFor(conversationID, entityID string) *toolexec.Registry {
	r := s.registry.Clone()
	toolexec.RegisterMemoryQuery(r, s.rnk, s.conv, entityID, conversationID)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /send", s.handleSend)
	s.mux.HandleFunc("POST /stream", s.handleStream)
	s.mux.HandleFunc("POST /regenerate", s.handleRegenerate)
}
