package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
)

type stubEngine struct {
	lastOption string
}

func (e *stubEngine) SubmitAnswer(_ context.Context, roundQuestionID, playerID int64, option string) (*domain.Answer, error) {
	e.lastOption = option
	if option == "X" {
		return nil, domain.ErrWindowClosed
	}
	return &domain.Answer{
		RoundQuestionID: roundQuestionID,
		PlayerID:        playerID,
		Option:          option,
		Correct:         option == "B",
		Points:          80,
		LatencyMs:       1200,
	}, nil
}

type stubMatch struct {
	pooled   []int64
	lastTier domain.BotTier
}

func (m *stubMatch) JoinPool(_ context.Context, playerID int64) error {
	m.pooled = append(m.pooled, playerID)
	return nil
}
func (m *stubMatch) LeavePool(context.Context, int64) error { return nil }

func (m *stubMatch) Vote(context.Context, int64, int64, string) error { return nil }
func (m *stubMatch) CreatePrivateGame(_ context.Context, creatorID int64, tier domain.BotTier) (*domain.Game, error) {
	m.lastTier = tier
	return &domain.Game{ID: 5, Type: domain.GamePrivate, InviteCode: "code-123", CreatorID: creatorID, BotTier: tier}, nil
}
func (m *stubMatch) JoinPrivateGame(context.Context, string, int64) (*domain.Game, error) {
	return &domain.Game{ID: 5}, nil
}
func (m *stubMatch) ForceStart(context.Context, int64, int64) error { return nil }

func testServer(t *testing.T) (*Hub, *stubEngine, *stubMatch, *websocket.Conn) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log)
	eng := &stubEngine{}
	mm := &stubMatch{}
	handler := NewHandler(hub, eng, mm, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	u := "ws" + server.URL[len("http"):] + "/ws?playerId=42"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if typ, _ := readNext(conn, t); typ != "connected" {
		t.Fatalf("expected connected greeting, got %s", typ)
	}
	return hub, eng, mm, conn
}

func readNext(conn *websocket.Conn, t *testing.T) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	return msg.Type, msg.Payload
}

func TestAnswerRoundTrip(t *testing.T) {
	_, eng, _, conn := testServer(t)

	err := conn.WriteJSON(map[string]any{
		"type":    "answer",
		"payload": map[string]any{"roundQuestionId": 7, "option": "B"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	typ, payload := readNext(conn, t)
	if typ != "answerResult" {
		t.Fatalf("expected answerResult, got %s", typ)
	}
	if payload["correct"] != true || payload["points"].(float64) != 80 {
		t.Fatalf("unexpected result payload: %+v", payload)
	}
	if eng.lastOption != "B" {
		t.Fatalf("engine saw option %q", eng.lastOption)
	}
}

func TestLateAnswerGetsFriendlyError(t *testing.T) {
	_, _, _, conn := testServer(t)

	err := conn.WriteJSON(map[string]any{
		"type":    "answer",
		"payload": map[string]any{"roundQuestionId": 7, "option": "X"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, payload := readNext(conn, t)
	if typ != "error" {
		t.Fatalf("expected error, got %s", typ)
	}
	if payload["message"] != "too late, the question is closed" {
		t.Fatalf("unexpected message: %v", payload["message"])
	}
}

func TestJoinPoolAndPrivateLobby(t *testing.T) {
	_, _, mm, conn := testServer(t)

	if err := conn.WriteJSON(map[string]any{"type": "joinPool"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ, _ := readNext(conn, t); typ != "pooled" {
		t.Fatalf("expected pooled ack, got %s", typ)
	}
	if len(mm.pooled) != 1 || mm.pooled[0] != 42 {
		t.Fatalf("player not pooled: %v", mm.pooled)
	}

	if err := conn.WriteJSON(map[string]any{"type": "createPrivate"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, payload := readNext(conn, t)
	if typ != "lobby" {
		t.Fatalf("expected lobby, got %s", typ)
	}
	if payload["inviteCode"] != "code-123" {
		t.Fatalf("invite code missing: %+v", payload)
	}
}

func TestCreatePrivateCarriesBotTier(t *testing.T) {
	_, _, mm, conn := testServer(t)

	err := conn.WriteJSON(map[string]any{
		"type":    "createPrivate",
		"payload": map[string]any{"botTier": "expert"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ, _ := readNext(conn, t); typ != "lobby" {
		t.Fatalf("expected lobby, got %s", typ)
	}
	if mm.lastTier != domain.BotExpert {
		t.Fatalf("matchmaker saw tier %q", mm.lastTier)
	}

	err = conn.WriteJSON(map[string]any{
		"type":    "createPrivate",
		"payload": map[string]any{"botTier": "grandmaster"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ, _ := readNext(conn, t); typ != "error" {
		t.Fatalf("expected error for unknown tier, got %s", typ)
	}
}

func TestHubDeliversGameEvents(t *testing.T) {
	hub, _, _, conn := testServer(t)

	if !hub.Connected(42) {
		t.Fatalf("player 42 should be registered")
	}
	if _, err := hub.Send(context.Background(), 42, "Round 1 starts"); err != nil {
		t.Fatalf("send: %v", err)
	}
	typ, payload := readNext(conn, t)
	if typ != "game" {
		t.Fatalf("expected game event, got %s", typ)
	}
	if payload["text"] != "Round 1 starts" {
		t.Fatalf("unexpected text: %v", payload["text"])
	}

	if _, err := hub.Send(context.Background(), 99, "hello"); err == nil {
		t.Fatalf("send to unknown player should fail")
	}
}

func TestUnsupportedMessageType(t *testing.T) {
	_, _, _, conn := testServer(t)

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ, _ := readNext(conn, t); typ != "error" {
		t.Fatalf("expected error for unsupported type, got %s", typ)
	}
}
