package adminserver

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// NodeInfo describes a single node for topology introspection.
type NodeInfo struct {
	ID      string `json:"id"`
	Context string `json:"context"`
	Kind    string `json:"kind"`
}

// EdgeInfo describes a single wired connection.
type EdgeInfo struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Snapshot is the live topology state exposed for debugging.
type Snapshot struct {
	Nodes         []NodeInfo `json:"nodes"`
	Edges         []EdgeInfo `json:"edges"`
	Contexts      []string   `json:"contexts"`
	Publications  []string   `json:"publications"`
	Subscriptions []string   `json:"subscriptions"`
}

// SnapshotProvider is implemented by the orchestrator to expose its live
// state without this package depending on the orchestrator package.
type SnapshotProvider interface {
	Snapshot() Snapshot
}

// Config for the admin server.
type Config struct {
	Addr              string
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
}

// Server exposes a JSON snapshot of the orchestrator's topology plus a
// websocket endpoint streaming topology-change events, for debugging.
// It has no effect on scheduling or bridging semantics.
type Server struct {
	config   Config
	http     *http.Server
	router   *httprouter.Router
	provider SnapshotProvider

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// New builds a Server over provider, routed through httprouter.
func New(config Config, provider SnapshotProvider) *Server {
	s := &Server{
		config:   config,
		router:   httprouter.New(),
		provider: provider,
		subs:     make(map[*websocket.Conn]struct{}),
	}
	s.http = &http.Server{Addr: config.Addr}

	if config.WriteTimeout != 0 {
		s.http.WriteTimeout = config.WriteTimeout
	}
	if config.ReadTimeout != 0 {
		s.http.ReadTimeout = config.ReadTimeout
	}
	if config.ReadHeaderTimeout != 0 {
		s.http.ReadHeaderTimeout = config.ReadHeaderTimeout
	}
	s.http.Handler = s.router

	s.router.GET("/topology", s.handleTopology)
	s.router.GET("/topology/stream", s.handleStream)
	return s
}

// Start serving. Blocks until Close is called.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close stops serving.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.provider.Snapshot())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.subs[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard client frames until the connection closes; this
	// endpoint is push-only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes a topology-change event to every connected stream
// client. Disconnected or slow clients are dropped silently.
func (s *Server) Broadcast(event string, detail interface{}) {
	payload, err := json.Marshal(struct {
		Event  string      `json:"event"`
		Detail interface{} `json:"detail"`
	}{event, detail})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.subs {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(s.subs, conn)
			conn.Close()
		}
	}
}
