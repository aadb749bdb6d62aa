package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/freight-dispatch/internal/apperr"
)

// WSSession is one connected driver app session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(n)
}

// WSRegistry holds live driver sessions keyed by driver id. As a
// Notifier it addresses sessions by that id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers the connection and returns its session handle. A
// replaced session's connection is closed so its read pump exits.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	sess := &WSSession{conn: conn}
	r.mu.Lock()
	prev := r.sessions[driverID]
	r.sessions[driverID] = sess
	r.mu.Unlock()
	if prev != nil {
		prev.conn.Close()
	}
	return sess
}

// Remove evicts the session only if it is still the registered one, so
// a pump draining a replaced connection never drops the live session.
func (r *WSRegistry) Remove(driverID string, sess *WSSession) {
	r.mu.Lock()
	if r.sessions[driverID] == sess {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
	sess.conn.Close()
}

func (r *WSRegistry) Send(ctx context.Context, driverID string, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return apperr.NotFoundf("no ws session for %s", driverID)
	}
	if err := s.send(n); err != nil {
		// A dead connection would otherwise keep shadowing the FCM
		// fallback in a Fanout.
		r.Remove(driverID, s)
		return apperr.Externalf("ws send to %s: %v", driverID, err)
	}
	return nil
}

var _ Notifier = (*WSRegistry)(nil)

// Fanout tries each notifier in order and stops at the first success.
// Typical wiring: WS session first, FCM push as fallback.
type Fanout []Notifier

func (f Fanout) Send(ctx context.Context, address string, n Notification) error {
	var lastErr error
	for _, notifier := range f {
		if err := notifier.Send(ctx, address, n); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		return apperr.Externalf("no notifier configured")
	}
	return lastErr
}
