package http

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meetsync/internal/adapters/auth"
	"github.com/dkeye/meetsync/internal/app/orch"
	"github.com/dkeye/meetsync/internal/core"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sseHeartbeat = 15 * time.Second

type sseClient struct {
	orgID  string
	notify chan struct{}
}

// ActiveMeetingsStream pushes active-meetings snapshots to dashboard clients over SSE.
type ActiveMeetingsStream struct {
	orch *orch.Orchestrator

	mu      sync.RWMutex
	clients map[string]*sseClient
}

func NewActiveMeetingsStream(o *orch.Orchestrator) *ActiveMeetingsStream {
	s := &ActiveMeetingsStream{orch: o, clients: make(map[string]*sseClient)}
	o.RegisterUpdateCallback(s.changed)
	return s
}

// changed never blocks: a pending notification already covers the newer state.
func (s *ActiveMeetingsStream) changed(orgID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.orgID != orgID {
			continue
		}
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

func (s *ActiveMeetingsStream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *ActiveMeetingsStream) Handle(c *gin.Context) {
	ident, ok := auth.IdentityFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	id := uuid.NewString()
	client := &sseClient{orgID: ident.OrganizationID, notify: make(chan struct{}, 1)}
	s.mu.Lock()
	s.clients[id] = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		log.Debug().Str("module", "adapters.http").Str("client", id).Msg("sse client gone")
	}()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func() error {
		return sse.Encode(w, sse.Event{
			Event: core.EvActiveMeetingsUpdate,
			Data:  core.ActiveMeetingsEvent{Type: core.EvActiveMeetingsUpdate, Meetings: s.orch.ActiveMeetings(client.orgID)},
		})
	}
	if _, err := fmt.Fprint(w, "retry: 5000\n"); err != nil {
		return
	}
	if err := send(); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-client.notify:
			if err := send(); err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Str("client", id).Msg("sse write failed")
				return
			}
			flusher.Flush()
		case t := <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", t.UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
