// Package recovery replays missed messages to a session that reconnected
// within the grace window.
package recovery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/metrics"
	"github.com/duet/chat-relay/internal/relay"
	"github.com/duet/chat-relay/internal/session"
	"github.com/duet/chat-relay/internal/store"
)

// Attacher is the part of the room registry the reconciler drives.
type Attacher interface {
	Attach(sess *session.Session, roomName string)
	Leave(sess *session.Session)
}

type Reconciler struct {
	store    store.Store
	registry Attacher
	log      zerolog.Logger
}

func New(st store.Store, registry Attacher) *Reconciler {
	return &Reconciler{store: st, registry: registry, log: logging.For("recovery")}
}

// Resume delivers every message of roomName with an id above lastKnown, in
// ascending order, then re-attaches the session for live traffic. Live
// frames that arrive meanwhile are held by the session and flushed after
// the backfill without duplicates.
//
// An unknown room, or a room the session's user does not belong to, is a
// no-op. On error the session is left unjoined. Resume may be retried with
// the same offset; it delivers the same set.
func (r *Reconciler) Resume(ctx context.Context, sess *session.Session, roomName string, lastKnown int64) (int, error) {
	if roomName == "" {
		metrics.RecoveryTotal.WithLabelValues("no_room").Inc()
		return 0, nil
	}

	sess.BeginRecovery(roomName, lastKnown)

	room, err := r.store.FindRoomByName(ctx, roomName)
	if err != nil {
		sess.AbortRecovery()
		metrics.RecoveryTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("recovery: find room %q: %w", roomName, err)
	}
	if room == nil {
		sess.AbortRecovery()
		metrics.RecoveryTotal.WithLabelValues("no_room").Inc()
		return 0, nil
	}
	if uid := sess.UserID(); uid != "" && !room.HasMember(uid) {
		sess.AbortRecovery()
		metrics.RecoveryTotal.WithLabelValues("not_member").Inc()
		r.log.Warn().
			Str(logging.FieldSession, sess.ID).
			Str(logging.FieldRoom, roomName).
			Str(logging.FieldUserID, uid).
			Msg("resume refused: user is not a room member")
		return 0, nil
	}

	replayed, err := r.replay(ctx, sess, room.ID)
	if err != nil {
		sess.AbortRecovery()
		metrics.RecoveryTotal.WithLabelValues("error").Inc()
		return replayed, err
	}

	// Anything committed between the first query and the attach is picked
	// up by a second pass; anything after the attach arrives live.
	r.registry.Attach(sess, roomName)

	caughtUp, err := r.replay(ctx, sess, room.ID)
	replayed += caughtUp
	if err != nil {
		r.registry.Leave(sess)
		sess.AbortRecovery()
		metrics.RecoveryTotal.WithLabelValues("error").Inc()
		return replayed, err
	}

	if err := sess.FinishRecovery(); err != nil {
		r.registry.Leave(sess)
		metrics.RecoveryTotal.WithLabelValues("error").Inc()
		return replayed, fmt.Errorf("recovery: flush live frames: %w", err)
	}

	metrics.RecoveryTotal.WithLabelValues("ok").Inc()
	r.log.Info().
		Str(logging.FieldSession, sess.ID).
		Str(logging.FieldRoom, roomName).
		Int64("last_known", lastKnown).
		Int("replayed", replayed).
		Msg("session recovered")
	return replayed, nil
}

// replay sends every message above the session's watermark.
func (r *Reconciler) replay(ctx context.Context, sess *session.Session, roomID int64) (int, error) {
	msgs, err := r.store.FindMessagesAfter(ctx, roomID, sess.Watermark())
	if err != nil {
		return 0, fmt.Errorf("recovery: load messages: %w", err)
	}

	sent := 0
	for _, m := range msgs {
		data, err := relay.Frame(m, true)
		if err != nil {
			return sent, err
		}
		if err := sess.Backfill(m.ID, data); err != nil {
			return sent, fmt.Errorf("recovery: backfill message %d: %w", m.ID, err)
		}
		sent++
		metrics.BackfillMessages.Inc()
	}
	return sent, nil
}
