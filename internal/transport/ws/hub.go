// Package ws exposes the game over websockets. The hub tracks one connection
// per player and doubles as the engine's outbound sender, so question
// displays and standings reach players over the same socket their answers
// arrive on.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SpiritWalker84/trivia-bot/internal/transport"
)

type session struct {
	playerID int64
	send     chan outboundMessage[any]
	done     chan struct{}
	closeOne sync.Once
}

func (s *session) close() {
	s.closeOne.Do(func() { close(s.done) })
}

// Hub routes outbound messages to connected players. A player who is not
// connected gets an error so the retrying sender can try again later.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]*session
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{sessions: make(map[int64]*session), log: log}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	if prev, ok := h.sessions[s.playerID]; ok {
		prev.close()
	}
	h.sessions[s.playerID] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if h.sessions[s.playerID] == s {
		delete(h.sessions, s.playerID)
	}
	h.mu.Unlock()
	s.close()
}

// Send implements transport.Sender by pushing a game event to the player's
// open connection.
func (h *Hub) Send(ctx context.Context, playerID int64, text string) (transport.MessageID, error) {
	h.mu.RLock()
	s, ok := h.sessions[playerID]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("player %d not connected", playerID)
	}
	msg := outboundMessage[any]{Type: "game", Payload: textPayload{Text: text}}
	select {
	case s.send <- msg:
		return transport.MessageID(uuid.NewString()), nil
	case <-s.done:
		return "", fmt.Errorf("player %d disconnected", playerID)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Connected reports whether a player currently has an open socket.
func (h *Hub) Connected(playerID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[playerID]
	return ok
}
