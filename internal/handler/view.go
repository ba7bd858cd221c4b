package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/net/packet"
	"github.com/vanadiel/loginserver/internal/persist"
	"github.com/vanadiel/loginserver/internal/session"
)

const (
	// Creating a character can keep a client parked on the view port for
	// a long time.
	viewTTLExtension = 600 * time.Second
	// How long a world gets to answer an outbound RPC.
	operationTimeout = 10 * time.Second
)

type pendingOp int

const (
	opNone pendingOp = iota
	opLogin
	opReserve
	opConfirm
	opDelete
)

// ViewHandler serves view-port connections: feature negotiation, world
// and character listing, create/delete and the login hand-off.
type ViewHandler struct {
	deps *Deps
}

func NewViewHandler(deps *Deps) *ViewHandler {
	return &ViewHandler{deps: deps}
}

// viewConn is the per-connection conversation state.
type viewConn struct {
	deps *Deps
	conn net.Conn
	sess *session.Session
	log  *zap.Logger

	contents []persist.ContentRow

	// Character-list rendezvous: the client must ask and the data
	// handler must signal before the list goes out.
	listRequested bool
	listSignaled  bool

	pending        pendingOp
	pendingWorld   uint32
	pendingContent uint32
	opDeadline     time.Time
	confirmEntry   mq.CharacterEntry
}

func (h *ViewHandler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := h.deps.Log.With(zap.String("peer", conn.RemoteAddr().String()))

	// The view port never carries the account id, so the session is
	// found by source address and then taken out of the IP index.
	sess, err := h.deps.Tracker.LookupByIP(ipFromAddr(conn.RemoteAddr()))
	if err != nil {
		log.Warn("unknown client on view port")
		return
	}
	sess.SetIgnoreIPLookup(true)
	sess.ExtendTTL(viewTTLExtension, false)
	log = log.With(zap.Uint32("account", sess.AccountID()))

	v := &viewConn{deps: h.deps, conn: conn, sess: sess, log: log}
	defer sess.SetViewFinished()

	if err := v.loadCharacters(ctx); err != nil {
		log.Error("load character slots", zap.Error(err))
		return
	}
	v.run(ctx)
}

func (v *viewConn) run(ctx context.Context) {
	for ctx.Err() == nil {
		v.conn.SetReadDeadline(time.Now().Add(time.Second))
		frame, err := packet.ReadFrame(v.conn)
		switch {
		case err == nil:
			if !v.dispatch(ctx, frame) {
				return
			}
		case isTimeout(err):
			// Nothing arrived this tick.
		case errors.Is(err, io.EOF):
			return
		default:
			v.log.Warn("view frame error", zap.Error(err))
			return
		}

		if v.sess.TakeViewRequest() == session.ViewSendCharacterList {
			v.listSignaled = true
		}
		if v.listSignaled && v.listRequested {
			if !v.sendCharacterList(ctx) {
				return
			}
			v.listRequested = false
		}

		if body, world, ok := v.sess.TakeMQMessage(); ok {
			if !v.handleWorldReply(ctx, body, world) {
				return
			}
		}

		if v.pending != opNone && time.Now().After(v.opDeadline) {
			v.log.Warn("world rpc timed out", zap.Uint32("world", v.pendingWorld))
			v.failPending(ctx)
			return
		}
	}
}

// dispatch routes one client frame. Returns false to terminate the
// connection.
func (v *viewConn) dispatch(ctx context.Context, frame *packet.Frame) bool {
	switch frame.Type {
	case packet.TypeGetFeatures:
		return v.handleGetFeatures(ctx, frame.Payload)
	case packet.TypeGetWorldList:
		return v.handleGetWorldList()
	case packet.TypeGetCharacterList:
		v.listRequested = true
		return true
	case packet.TypeLoginRequest:
		return v.handleLoginRequest(ctx, frame.Payload)
	case packet.TypeCreateCharacter:
		return v.handleReserve(ctx, frame.Payload)
	case packet.TypeCreateCharConfirm:
		return v.handleConfirm(ctx, frame.Payload)
	case packet.TypeDeleteCharacter:
		return v.handleDelete(ctx, frame.Payload)
	default:
		v.log.Debug("ignoring view frame", zap.Uint32("type", frame.Type))
		return true
	}
}

// loadCharacters installs the account's content slots and mirrored
// characters on the session.
func (v *viewConn) loadCharacters(ctx context.Context) error {
	contents, err := v.deps.Contents.ListByAccount(ctx, v.sess.AccountID())
	if err != nil {
		return err
	}
	chars, err := v.deps.Mirror.AccountCharacters(ctx, v.sess.AccountID())
	if err != nil {
		return err
	}
	v.contents = contents
	v.sess.SetCharacters(chars)
	return nil
}

func (v *viewConn) send(typ uint32, payload []byte) bool {
	v.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := packet.WriteFrame(v.conn, typ, payload); err != nil {
		v.log.Warn("view write failed", zap.Error(err))
		return false
	}
	return true
}

func (v *viewConn) sendDone() bool {
	return v.send(packet.TypeDone, make([]byte, 4))
}

func (v *viewConn) sendError(code uint32) {
	w := packet.NewWriter()
	w.WriteD(0)
	w.WriteD(code)
	v.send(packet.TypeError, w.Bytes())
}

// failPending surfaces a world RPC failure as MAP_CONNECT_FAILED and
// rolls back any half-made creation state.
func (v *viewConn) failPending(ctx context.Context) {
	switch v.pending {
	case opReserve, opConfirm:
		v.sess.ClearCharacter(v.pendingContent)
		v.deps.Mirror.CleanHalfCreated(ctx, v.sess.AccountID())
	case opDelete:
		v.deps.Mirror.CleanHalfCreated(ctx, v.sess.AccountID())
	}
	v.pending = opNone
	v.sendError(packet.ErrorMapConnectFailed)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
