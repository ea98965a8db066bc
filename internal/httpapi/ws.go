package httpapi

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/models"
)

// WSSession represents one connected client socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds connected passenger and driver sessions. It doubles as
// the matching engine's offer dispatcher: an offer to a driver with no
// socket fails fast so matching can move to the next candidate.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(entityID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[entityID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, entityID)
}

// Offer pushes an offer to the candidate driver's socket.
func (r *WSRegistry) Offer(driverID string, offer models.Offer) error {
	return r.Send(driverID, offer)
}

// Send delivers any payload to a connected entity.
func (r *WSRegistry) Send(entityID string, v interface{}) error {
	r.mu.RLock()
	s, ok := r.sessions[entityID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no session for %s", entityID)
	}
	return s.send(v)
}
