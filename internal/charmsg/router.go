package charmsg

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/session"
)

const routeTimeout = 5 * time.Second

// Router is the login-side ingress for the world fabric. Acks are parked
// in the owning session's mailbox for the view handler; character updates
// are applied to the mirror directly. Message types outside the character
// range are passed on to subsequent handlers.
type Router struct {
	tracker *session.Tracker
	mirror  *Mirror
	log     *zap.Logger
}

func NewRouter(tracker *session.Tracker, mirror *Mirror, log *zap.Logger) *Router {
	return &Router{tracker: tracker, mirror: mirror, log: log}
}

// HandleMessage implements mq.Handler.
func (r *Router) HandleMessage(body []byte, origin *mq.Connection) bool {
	return r.handle(body, origin.WorldID())
}

func (r *Router) handle(body []byte, originWorld uint32) bool {
	header, err := mq.ParseHeader(body)
	if err != nil {
		r.log.Error("malformed fabric message", zap.Uint32("world", originWorld), zap.Error(err))
		return true
	}
	if header.Type < mq.MsgGetAccountChars || header.Type > mq.MsgCharReserveAck {
		return false
	}

	switch header.Type {
	case mq.MsgCharUpdate:
		r.applyUpdate(body, header, originWorld)

	case mq.MsgCharLoginAck, mq.MsgCharCreateAck, mq.MsgCharDeleteAck, mq.MsgCharReserveAck:
		r.deliverAck(body, header, originWorld)

	default:
		// Request types only a world handles. A world pushing one at the
		// login queue is misbehaving.
		r.log.Warn("unexpected fabric message type on login queue",
			zap.Uint32("type", header.Type), zap.Uint32("world", originWorld))
	}
	return true
}

func (r *Router) applyUpdate(body []byte, header mq.Header, originWorld uint32) {
	update, err := mq.UnmarshalCharUpdate(body)
	if err != nil {
		r.log.Error("malformed character update", zap.Uint32("world", originWorld), zap.Error(err))
		return
	}
	entry := update.Entry
	// A world may only speak for its own characters.
	if uint32(entry.WorldID) != originWorld || header.CharacterID != entry.CharacterID ||
		header.ContentID != entry.ContentID {
		r.log.Warn("spoofed character update rejected",
			zap.Uint32("world", originWorld),
			zap.Uint8("entry_world", entry.WorldID),
			zap.Uint32("character", header.CharacterID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()
	if err := r.mirror.UpdateCharacter(ctx, &entry); err != nil {
		if errors.Is(err, ErrMismatch) || errors.Is(err, ErrNameTaken) ||
			errors.Is(err, ErrContentTaken) || errors.Is(err, ErrNoContent) {
			r.log.Warn("character update rejected",
				zap.Uint32("world", originWorld),
				zap.Uint32("character", entry.CharacterID), zap.Error(err))
			return
		}
		r.log.Error("apply character update",
			zap.Uint32("character", entry.CharacterID), zap.Error(err))
	}
}

func (r *Router) deliverAck(body []byte, header mq.Header, originWorld uint32) {
	s, err := r.tracker.Get(header.AccountID)
	if err != nil {
		r.log.Debug("fabric ack for absent session",
			zap.Uint32("account", header.AccountID), zap.Uint32("type", header.Type))
		return
	}
	if err := s.DeliverMQMessage(body, uint8(originWorld)); err != nil {
		r.log.Warn("session mailbox occupied, ack dropped",
			zap.Uint32("account", header.AccountID), zap.Uint32("type", header.Type))
	}
}
