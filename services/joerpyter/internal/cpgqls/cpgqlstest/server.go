// Package cpgqlstest provides an in-process stand-in for a query server,
// for use in tests and in helper processes that pretend to be one.
package cpgqlstest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
)

// EvalFunc computes the result payload for a query. Returning a map lets
// tests drop fields; returning defs.QueryResult gives a complete payload.
type EvalFunc func(query string) any

// Echo answers every query successfully with the query text on stdout
func Echo(query string) any {
	return defs.QueryResult{Success: true, Stdout: query}
}

type Server struct {
	Username string
	Password string
	Eval     EvalFunc
	// Greeting replaces the "connected" message when set
	Greeting string

	upgrader websocket.Upgrader

	mu      sync.Mutex
	subs    map[*websocket.Conn]struct{}
	results map[string][]byte
	queries []string
}

func NewServer(username, password string, eval EvalFunc) *Server {
	if eval == nil {
		eval = Echo
	}
	return &Server{
		Username: username,
		Password: password,
		Eval:     eval,
		subs:     make(map[*websocket.Conn]struct{}),
		results:  make(map[string][]byte),
	}
}

// Handler returns the routes of the query server protocol
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/connect", s.handleConnect)
	r.Post("/query", s.handleQuery)
	r.Get("/result/{id}", s.handleResult)
	return r
}

// Queries returns the queries received so far
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func (s *Server) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(user), []byte(s.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.Password)) == 1
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	greeting := s.Greeting
	if greeting == "" {
		greeting = "connected"
	}

	s.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, []byte(greeting))
	s.subs[conn] = struct{}{}
	s.mu.Unlock()
	if err != nil {
		s.drop(conn)
		return
	}

	// Keep the connection registered until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.drop(conn)
			return
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.subs, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.queries = append(s.queries, req.Query)
	s.mu.Unlock()

	go s.evaluate(id, req.Query)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "uuid": id})
}

func (s *Server) evaluate(id, query string) {
	payload, err := json.Marshal(s.Eval(query))
	if err != nil {
		payload = []byte(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = payload
	for conn := range s.subs {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(id))
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	payload, ok := s.results[id]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}
