package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
)

// AnswerSubmitter is the slice of the engine the handler needs.
type AnswerSubmitter interface {
	SubmitAnswer(ctx context.Context, roundQuestionID, playerID int64, option string) (*domain.Answer, error)
}

// Matchmaker is the slice of the lifecycle manager the handler needs.
type Matchmaker interface {
	JoinPool(ctx context.Context, playerID int64) error
	LeavePool(ctx context.Context, playerID int64) error
	Vote(ctx context.Context, gameID, playerID int64, vote string) error
	CreatePrivateGame(ctx context.Context, creatorID int64, tier domain.BotTier) (*domain.Game, error)
	JoinPrivateGame(ctx context.Context, inviteCode string, playerID int64) (*domain.Game, error)
	ForceStart(ctx context.Context, gameID, playerID int64) error
}

type Handler struct {
	hub      *Hub
	engine   AnswerSubmitter
	match    Matchmaker
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, engine AnswerSubmitter, match Matchmaker, log *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		engine: engine,
		match:  match,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	RoundQuestionID int64  `json:"roundQuestionId"`
	Option          string `json:"option"`
}

type votePayload struct {
	GameID int64  `json:"gameId"`
	Vote   string `json:"vote"`
}

type invitePayload struct {
	InviteCode string `json:"inviteCode"`
}

type createPrivatePayload struct {
	BotTier string `json:"botTier"`
}

type gamePayload struct {
	GameID int64 `json:"gameId"`
}

type answerResult struct {
	RoundQuestionID int64  `json:"roundQuestionId"`
	Option          string `json:"option"`
	Correct         bool   `json:"correct"`
	Points          int    `json:"points"`
	LatencyMs       int64  `json:"latencyMs"`
}

type lobbyResult struct {
	GameID     int64  `json:"gameId"`
	InviteCode string `json:"inviteCode,omitempty"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type textPayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and pumps messages between the socket and the
// game. One writer goroutine owns the connection's write side.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	playerID, err := strconv.ParseInt(r.URL.Query().Get("playerId"), 10, 64)
	if err != nil || playerID <= 0 {
		http.Error(w, "missing or invalid playerId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s := &session{
		playerID: playerID,
		send:     make(chan outboundMessage[any], 16),
		done:     make(chan struct{}),
	}
	h.hub.register(s)
	defer h.hub.unregister(s)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-s.send:
				if err := conn.WriteJSON(msg); err != nil {
					h.log.Error("ws write failed", "player", playerID, "err", err)
					s.close()
					return
				}
			case <-s.done:
				return
			}
		}
	}()

	s.send <- outboundMessage[any]{Type: "connected", Payload: textPayload{Text: "connected"}}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.dispatch(r.Context(), s, inbound)
	}

	s.close()
	<-writerDone
}

func (h *Handler) dispatch(ctx context.Context, s *session, inbound inboundMessage) {
	switch inbound.Type {
	case "answer":
		var p answerPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			h.sendError(s, "invalid answer payload")
			return
		}
		answer, err := h.engine.SubmitAnswer(ctx, p.RoundQuestionID, s.playerID, p.Option)
		if err != nil {
			h.sendError(s, answerErrorText(err))
			return
		}
		h.reply(s, "answerResult", answerResult{
			RoundQuestionID: answer.RoundQuestionID,
			Option:          answer.Option,
			Correct:         answer.Correct,
			Points:          answer.Points,
			LatencyMs:       answer.LatencyMs,
		})

	case "joinPool":
		if err := h.match.JoinPool(ctx, s.playerID); err != nil {
			h.sendError(s, err.Error())
			return
		}
		h.reply(s, "pooled", textPayload{Text: "waiting for players"})

	case "leavePool":
		if err := h.match.LeavePool(ctx, s.playerID); err != nil {
			h.sendError(s, err.Error())
			return
		}
		h.reply(s, "left", textPayload{Text: "left the pool"})

	case "vote":
		var p votePayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			h.sendError(s, "invalid vote payload")
			return
		}
		if err := h.match.Vote(ctx, p.GameID, s.playerID, p.Vote); err != nil {
			h.sendError(s, err.Error())
			return
		}
		h.reply(s, "voted", textPayload{Text: "vote recorded"})

	case "createPrivate":
		var p createPrivatePayload
		if len(inbound.Payload) > 0 {
			if err := json.Unmarshal(inbound.Payload, &p); err != nil {
				h.sendError(s, "invalid payload")
				return
			}
		}
		tier, ok := parseBotTier(p.BotTier)
		if !ok {
			h.sendError(s, "unknown bot tier")
			return
		}
		game, err := h.match.CreatePrivateGame(ctx, s.playerID, tier)
		if err != nil {
			h.sendError(s, err.Error())
			return
		}
		h.reply(s, "lobby", lobbyResult{GameID: game.ID, InviteCode: game.InviteCode})

	case "joinPrivate":
		var p invitePayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			h.sendError(s, "invalid invite payload")
			return
		}
		game, err := h.match.JoinPrivateGame(ctx, p.InviteCode, s.playerID)
		if err != nil {
			h.sendError(s, err.Error())
			return
		}
		h.reply(s, "lobby", lobbyResult{GameID: game.ID})

	case "forceStart":
		var p gamePayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			h.sendError(s, "invalid payload")
			return
		}
		if err := h.match.ForceStart(ctx, p.GameID, s.playerID); err != nil {
			h.sendError(s, err.Error())
			return
		}
		h.reply(s, "starting", gamePayload{GameID: p.GameID})

	default:
		h.sendError(s, "unsupported message type")
	}
}

func answerErrorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrWindowClosed):
		return "too late, the question is closed"
	case errors.Is(err, domain.ErrDuplicateAnswer):
		return "you already answered this question"
	case errors.Is(err, domain.ErrNotInTieBreak):
		return "the tie-break is only for the tied players"
	default:
		return err.Error()
	}
}

func parseBotTier(raw string) (domain.BotTier, bool) {
	switch domain.BotTier(raw) {
	case "", domain.BotNovice, domain.BotAmateur, domain.BotExpert:
		return domain.BotTier(raw), true
	default:
		return "", false
	}
}

func (h *Handler) reply(s *session, typ string, payload any) {
	select {
	case s.send <- outboundMessage[any]{Type: typ, Payload: payload}:
	case <-s.done:
	}
}

func (h *Handler) sendError(s *session, msg string) {
	h.reply(s, "error", errorPayload{Message: msg})
}
