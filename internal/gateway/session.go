package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/coordinator"
	"github.com/basket/go-fleet/internal/events"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Session error codes.
const (
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeInvalidTopics  = "INVALID_TOPICS"
	CodeParseError     = "PARSE_ERROR"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeRateLimited    = "RATE_LIMITED"
	CodeStorageError   = "STORAGE_ERROR"
)

// Inbound message types and commands.
const (
	MsgHandshake   = "handshake"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgCommand     = "command"

	CmdGetSnapshot  = "get_snapshot"
	CmdReplayEvents = "replay_events"
)

// Backend is the read side of the coordinator used by sessions.
type Backend interface {
	Snapshot(ctx context.Context) (coordinator.Snapshot, error)
	EventsSince(ctx context.Context, since int64, limit int) ([]events.Envelope, error)
	CurrentSeq(ctx context.Context) (int64, error)
}

type inbound struct {
	Type       string          `json:"type"`
	ClientID   string          `json:"client_id,omitempty"`
	ClientName string          `json:"client_name,omitempty"`
	Topics     json.RawMessage `json:"topics,omitempty"`
	Command    string          `json:"command,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type replayData struct {
	SinceSeq int64 `json:"since_seq"`
	Limit    int   `json:"limit"`
}

// HandshakeAck confirms a session identity.
type HandshakeAck struct {
	Type             string   `json:"type"`
	ClientID         string   `json:"client_id"`
	ClientName       string   `json:"client_name,omitempty"`
	ServerTime       string   `json:"server_time"`
	SubscribedTopics []string `json:"subscribed_topics"`
	AvailableTopics  []string `json:"available_topics"`
	CurrentSeq       int64    `json:"current_seq"`
}

type SubscribeAck struct {
	Type       string   `json:"type"`
	Subscribed []string `json:"subscribed"`
	Failed     []string `json:"failed,omitempty"`
}

type UnsubscribeAck struct {
	Type         string   `json:"type"`
	Unsubscribed []string `json:"unsubscribed"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type SnapshotReply struct {
	Type string `json:"type"`
	coordinator.Snapshot
}

type ReplayReply struct {
	Type       string            `json:"type"`
	Events     []events.Envelope `json:"events"`
	CurrentSeq int64             `json:"current_seq"`
}

// ErrorFrame reports a rejected message. The connection stays open.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorFrame(code, format string, args ...any) ErrorFrame {
	return ErrorFrame{Type: "error", Error: fmt.Sprintf(format, args...), Code: code}
}

// SessionConfig wires one Session.
type SessionConfig struct {
	Router  *bus.Router
	Backend Backend
	// Sink is registered with the router on handshake.
	Sink bus.Sink
	// Limiter bounds inbound messages; nil means unlimited.
	Limiter     *rate.Limiter
	ReplayLimit int
	Clock       func() time.Time
	NewID       func() string
	Logger      *slog.Logger
	Metrics     *otelPkg.Metrics
}

// Session is the protocol state of one client connection, independent of the
// transport carrying it.
type Session struct {
	cfg SessionConfig

	mu         sync.Mutex
	handshaken bool
	clientID   string
	clientName string
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 1000
	}
	return &Session{cfg: cfg}
}

// ClientID is empty until the handshake succeeds.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Handle processes one inbound frame and returns the reply to send.
func (s *Session) Handle(ctx context.Context, raw []byte) any {
	if s.cfg.Limiter != nil && !s.cfg.Limiter.Allow() {
		s.cfg.Metrics.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrRoute.String("/ws")))
		return errorFrame(CodeRateLimited, "message rate limit exceeded")
	}

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorFrame(CodeParseError, "invalid JSON: %v", err)
	}
	s.cfg.Metrics.SessionMessages.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrMsgType.String(msg.Type)))

	switch msg.Type {
	case MsgHandshake:
		return s.handshake(ctx, msg)
	case MsgSubscribe:
		return s.subscribe(msg)
	case MsgUnsubscribe:
		return s.unsubscribe(msg)
	case MsgPing:
		return Pong{Type: "pong", Timestamp: s.cfg.Clock().UTC().Format(events.TimestampLayout)}
	case MsgCommand:
		return s.command(ctx, msg)
	case "":
		return errorFrame(CodeUnknownType, "message type is required")
	default:
		return errorFrame(CodeUnknownType, "unknown message type %q", msg.Type)
	}
}

func (s *Session) handshake(ctx context.Context, msg inbound) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handshaken {
		id := strings.TrimSpace(msg.ClientID)
		if id == "" || s.cfg.Router.Registered(id) {
			id = s.cfg.NewID()
		}
		if err := s.cfg.Router.RegisterConnection(id, s.cfg.Sink); err != nil {
			if !errors.Is(err, bus.ErrConnectionExists) {
				return errorFrame(CodeStorageError, "register connection: %v", err)
			}
			// Lost a race for the requested id.
			id = s.cfg.NewID()
			if err := s.cfg.Router.RegisterConnection(id, s.cfg.Sink); err != nil {
				return errorFrame(CodeStorageError, "register connection: %v", err)
			}
		}
		s.cfg.Router.Subscribe(id, bus.TopicAll)
		s.clientID = id
		s.clientName = strings.TrimSpace(msg.ClientName)
		s.handshaken = true
		s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
		s.cfg.Logger.Info("session handshake", "client_id", id, "client_name", s.clientName)
	}

	seq, err := s.cfg.Backend.CurrentSeq(ctx)
	if err != nil {
		s.cfg.Logger.Warn("handshake current seq", "client_id", s.clientID, "error", err)
	}
	return HandshakeAck{
		Type:             "handshake_ack",
		ClientID:         s.clientID,
		ClientName:       s.clientName,
		ServerTime:       s.cfg.Clock().UTC().Format(events.TimestampLayout),
		SubscribedTopics: s.cfg.Router.Subscriptions(s.clientID),
		AvailableTopics:  bus.AvailableTopics(),
		CurrentSeq:       seq,
	}
}

func (s *Session) identity() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID, s.handshaken
}

func parseTopics(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var topics []string
	if err := json.Unmarshal(raw, &topics); err != nil || topics == nil {
		return nil, false
	}
	return topics, true
}

func (s *Session) subscribe(msg inbound) any {
	id, ok := s.identity()
	if !ok {
		return errorFrame(CodeAuthRequired, "handshake required before subscribe")
	}
	topics, ok := parseTopics(msg.Topics)
	if !ok {
		return errorFrame(CodeInvalidTopics, "topics must be a list of strings")
	}
	ack := SubscribeAck{Type: "subscribe_ack", Subscribed: []string{}}
	for _, t := range topics {
		if s.cfg.Router.Subscribe(id, t) {
			ack.Subscribed = append(ack.Subscribed, t)
		} else {
			ack.Failed = append(ack.Failed, t)
		}
	}
	return ack
}

func (s *Session) unsubscribe(msg inbound) any {
	id, ok := s.identity()
	if !ok {
		return errorFrame(CodeAuthRequired, "handshake required before unsubscribe")
	}
	topics, ok := parseTopics(msg.Topics)
	if !ok {
		return errorFrame(CodeInvalidTopics, "topics must be a list of strings")
	}
	ack := UnsubscribeAck{Type: "unsubscribe_ack", Unsubscribed: []string{}}
	for _, t := range topics {
		if s.cfg.Router.Unsubscribe(id, t) {
			ack.Unsubscribed = append(ack.Unsubscribed, t)
		}
	}
	return ack
}

func (s *Session) command(ctx context.Context, msg inbound) any {
	switch msg.Command {
	case CmdGetSnapshot:
		snap, err := s.cfg.Backend.Snapshot(ctx)
		if err != nil {
			return errorFrame(CodeStorageError, "snapshot: %v", err)
		}
		return SnapshotReply{Type: "snapshot", Snapshot: snap}
	case CmdReplayEvents:
		var data replayData
		if len(msg.Data) > 0 && string(msg.Data) != "null" {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				return errorFrame(CodeInvalidCommand, "replay_events data: %v", err)
			}
		}
		if data.SinceSeq < 0 || data.Limit < 0 {
			return errorFrame(CodeInvalidCommand, "since_seq and limit must not be negative")
		}
		limit := data.Limit
		if limit == 0 || limit > s.cfg.ReplayLimit {
			limit = s.cfg.ReplayLimit
		}
		seq, err := s.cfg.Backend.CurrentSeq(ctx)
		if err != nil {
			return errorFrame(CodeStorageError, "current seq: %v", err)
		}
		evs, err := s.cfg.Backend.EventsSince(ctx, data.SinceSeq, limit)
		if err != nil {
			return errorFrame(CodeStorageError, "replay: %v", err)
		}
		if evs == nil {
			evs = []events.Envelope{}
		}
		return ReplayReply{Type: "replay", Events: evs, CurrentSeq: seq}
	case "":
		return errorFrame(CodeInvalidCommand, "command is required")
	default:
		return errorFrame(CodeUnknownCommand, "unknown command %q", msg.Command)
	}
}

// Close unregisters the session from the router. It is safe to call more than
// once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.handshaken {
		return
	}
	s.handshaken = false
	if s.cfg.Router.UnregisterConnection(s.clientID) {
		s.cfg.Metrics.ActiveConnections.Add(ctx, -1)
	}
	s.cfg.Logger.Info("session closed", "client_id", s.clientID)
}
