// Package chat implements the client protocol on top of the relay: joining
// and leaving rooms, sending messages, and parking or resuming sessions
// across reconnects.
package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/metrics"
	"github.com/duet/chat-relay/internal/protocol"
	"github.com/duet/chat-relay/internal/ratelimit"
	"github.com/duet/chat-relay/internal/recovery"
	"github.com/duet/chat-relay/internal/registry"
	"github.com/duet/chat-relay/internal/relay"
	"github.com/duet/chat-relay/internal/session"
	"github.com/duet/chat-relay/internal/store"
	"github.com/duet/chat-relay/internal/ws"
)

// sideTimeout bounds resume store, limiter and mute lookups. Store calls
// made on behalf of a frame carry no deadline.
const sideTimeout = 5 * time.Second

// Error codes sent in error frames.
const (
	CodeInvalidMessage = "invalid_message"
	CodeInvalidJoin    = "invalid_join"
	CodeRoomFull       = "room_full"
	CodeMuted          = "muted"
)

// MuteChecker reports how long a user stays muted. *moderation.Offenses
// implements it.
type MuteChecker interface {
	MutedFor(ctx context.Context, userID string) (time.Duration, error)
}

// Limiter is satisfied by ratelimit.Limiter and ratelimit.LocalLimiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

type Options struct {
	Registry *registry.Registry
	Relay    *relay.Relay
	Recovery *recovery.Reconciler
	Resume   session.ResumeStore

	// Limiter is optional; nil disables rate limiting.
	Limiter Limiter

	// Mutes is optional; nil lets every author send.
	Mutes MuteChecker

	GraceWindow time.Duration
}

// Service owns the sessions of the connected clients, keyed by connection id.
type Service struct {
	registry *registry.Registry
	relay    *relay.Relay
	recovery *recovery.Reconciler
	resume   session.ResumeStore
	limiter  Limiter
	mutes    MuteChecker
	grace    time.Duration
	log      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewService(opts Options) *Service {
	return &Service{
		registry: opts.Registry,
		relay:    opts.Relay,
		recovery: opts.Recovery,
		resume:   opts.Resume,
		limiter:  opts.Limiter,
		mutes:    opts.Mutes,
		grace:    opts.GraceWindow,
		log:      logging.For("chat"),
		sessions: make(map[string]*session.Session),
	}
}

// Register installs the protocol handlers on the dispatcher.
func (s *Service) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, func(conn *ws.Connection, msg any) {
		if m, ok := msg.(protocol.JoinMsg); ok {
			s.HandleJoin(conn.ID, m)
		}
	})
	d.Register(protocol.TypeLeave, func(conn *ws.Connection, _ any) {
		s.HandleLeave(conn.ID)
	})
	d.Register(protocol.TypeMessage, func(conn *ws.Connection, msg any) {
		if m, ok := msg.(protocol.ChatMsg); ok {
			s.HandleMessage(conn.ID, m)
		}
	})
}

// Bind hooks the service into the server's connection lifecycle.
func (s *Service) Bind(server *ws.Server) {
	server.SetOnConnect(func(conn *ws.Connection, hs protocol.Handshake) {
		s.Connect(context.Background(), conn.ID, conn, hs)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		s.Disconnect(conn.ID)
	})
}

// Connect creates the session for a new connection. A handshake naming a
// session that is still parked resumes it and replays what it missed;
// anything else starts a fresh session.
func (s *Service) Connect(ctx context.Context, connID string, out session.Sender, hs protocol.Handshake) *session.Session {
	var snap *session.Snapshot
	if hs.SessionID != "" {
		claimCtx, cancel := context.WithTimeout(ctx, sideTimeout)
		var err error
		snap, err = s.resume.Claim(claimCtx, hs.SessionID)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str(logging.FieldSession, hs.SessionID).Msg("claim parked session")
		}
	}

	var sess *session.Session
	if snap != nil {
		sess = session.Restore(*snap, out)
	} else {
		sess = session.New(uuid.NewString(), out)
	}
	sess.SetIdentity(hs.UserID, hs.Username)

	s.mu.Lock()
	s.sessions[connID] = sess
	s.mu.Unlock()

	resumed := snap != nil
	s.sendControl(sess, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sess.ID,
		Resumed:   resumed,
	})

	if !resumed {
		metrics.SessionsTotal.WithLabelValues("fresh").Inc()
		s.log.Debug().Str(logging.FieldSession, sess.ID).Msg("session started")
		return sess
	}
	metrics.SessionsTotal.WithLabelValues("resumed").Inc()

	// The client's own view wins. The parked offset only applies to the
	// room it was counted in.
	roomName := hs.Room
	if roomName == "" {
		roomName = snap.RoomName
	}
	var lastKnown int64
	switch {
	case hs.HasOffset:
		lastKnown = hs.ServerOffset
	case roomName == snap.RoomName:
		lastKnown = snap.LastKnownMessageID
	}
	if _, err := s.recovery.Resume(ctx, sess, roomName, lastKnown); err != nil {
		s.log.Error().Err(err).
			Str(logging.FieldSession, sess.ID).
			Str(logging.FieldRoom, roomName).
			Msg("resume session")
	}
	return sess
}

// Disconnect detaches the connection's session and parks it for the grace
// window.
func (s *Service) Disconnect(connID string) {
	s.mu.Lock()
	sess, ok := s.sessions[connID]
	delete(s.sessions, connID)
	s.mu.Unlock()
	if !ok {
		return
	}

	snap := sess.Snapshot(time.Now())
	s.registry.Leave(sess)

	ctx, cancel := context.WithTimeout(context.Background(), sideTimeout)
	defer cancel()
	if err := s.resume.Park(ctx, snap, s.grace); err != nil {
		s.log.Error().Err(err).Str(logging.FieldSession, sess.ID).Msg("park session")
		return
	}
	s.log.Debug().
		Str(logging.FieldSession, sess.ID).
		Str(logging.FieldRoom, snap.RoomName).
		Int64("last_known", snap.LastKnownMessageID).
		Msg("session parked")
}

// Session returns the session bound to connID, or nil.
func (s *Service) Session(connID string) *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[connID]
}

// SessionCount returns the number of connected sessions.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Service) HandleJoin(connID string, msg protocol.JoinMsg) {
	sess := s.Session(connID)
	if sess == nil {
		return
	}
	sess.SetIdentity(msg.MyID, "")

	err := s.registry.Join(context.Background(), sess, msg.RoomName, msg.AnotherUserID)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrMissingRoomName):
		s.sendError(sess, CodeInvalidJoin, "roomName is required")
	case errors.Is(err, store.ErrRoomFull):
		s.log.Info().
			Str(logging.FieldSession, sess.ID).
			Str(logging.FieldRoom, msg.RoomName).
			Msg("join refused: room is full")
		s.sendError(sess, CodeRoomFull, "room already has two members")
	default:
		s.log.Error().Err(err).
			Str(logging.FieldSession, sess.ID).
			Str(logging.FieldRoom, msg.RoomName).
			Msg("join room")
	}
}

func (s *Service) HandleLeave(connID string) {
	if sess := s.Session(connID); sess != nil {
		s.registry.Leave(sess)
	}
}

func (s *Service) HandleMessage(connID string, msg protocol.ChatMsg) {
	sess := s.Session(connID)
	if sess == nil {
		return
	}
	metrics.MessagesTotal.WithLabelValues("received").Inc()
	sess.SetIdentity(msg.MyID, msg.MyUsername)

	if err := ValidateContent(msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(sess, CodeInvalidMessage, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideTimeout)
	blocked := s.muted(ctx, sess) || !s.allow(ctx, sess)
	cancel()
	if blocked {
		return
	}

	_, err := s.relay.Send(context.Background(), sess, msg.Content)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrNotJoined), errors.Is(err, relay.ErrRoomNotFound):
		s.log.Debug().Err(err).
			Str(logging.FieldSession, sess.ID).
			Str(logging.FieldRoom, sess.RoomName()).
			Msg("message dropped")
	default:
		s.log.Error().Err(err).
			Str(logging.FieldSession, sess.ID).
			Str(logging.FieldRoom, sess.RoomName()).
			Msg("relay message")
	}
}

// allow applies the message rate limit, keyed by user when known.
func (s *Service) allow(ctx context.Context, sess *session.Session) bool {
	if s.limiter == nil {
		return true
	}
	id := sess.UserID()
	if id == "" {
		id = sess.ID
	}

	d, err := s.limiter.Allow(ctx, id, ratelimit.RuleMessage)
	if err != nil || d.Allowed {
		return true
	}

	metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
	s.sendControl(sess, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(d.RetryAfter.Seconds())),
	})
	return false
}

// muted rejects messages from authors the moderation tap has muted. Lookup
// failures let the message through.
func (s *Service) muted(ctx context.Context, sess *session.Session) bool {
	if s.mutes == nil || sess.UserID() == "" {
		return false
	}
	left, err := s.mutes.MutedFor(ctx, sess.UserID())
	if err != nil {
		s.log.Warn().Err(err).Str(logging.FieldUserID, sess.UserID()).Msg("mute lookup failed")
		return false
	}
	if left <= 0 {
		return false
	}

	metrics.MessagesTotal.WithLabelValues("muted").Inc()
	s.sendError(sess, CodeMuted, fmt.Sprintf("muted for %ds", int(math.Ceil(left.Seconds()))))
	return true
}

func (s *Service) sendError(sess *session.Session, code, message string) {
	s.sendControl(sess, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (s *Service) sendControl(sess *session.Session, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", msgType).Msg("encode frame")
		return
	}
	if err := sess.Send(data); err != nil {
		s.log.Debug().Err(err).Str(logging.FieldSession, sess.ID).Str("type", msgType).Msg("send frame")
	}
}
