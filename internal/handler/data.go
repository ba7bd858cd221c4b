package handler

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/session"
)

// Data port protocol bytes.
const (
	dataSendAccountID byte = 1
	dataSendKey       byte = 2
	dataCharList      byte = 3

	dataClientAccountID byte = 0xA1
	dataClientKey       byte = 0xA2
)

// keyTTLExtension is granted when the client hands over its session key.
const keyTTLExtension = 30 * time.Second

// listGrace is the pause before the minimal list goes out. Clients choke
// on a list that arrives in the same instant as the key ack.
const listGrace = time.Second

// DataHandler serves one bootloader data connection: account id in, key
// in, minimal character list out.
type DataHandler struct {
	deps *Deps
}

func NewDataHandler(deps *Deps) *DataHandler {
	return &DataHandler{deps: deps}
}

func (h *DataHandler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := h.deps.Log.With(zap.String("peer", conn.RemoteAddr().String()))
	peerIP := ipFromAddr(conn.RemoteAddr())

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte{dataSendAccountID}); err != nil {
		return
	}

	var sess *session.Session
	keyDone := false

	for ctx.Err() == nil {
		if sess != nil && sess.TakeDataRequest() == session.DataAskForKey {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write([]byte{dataSendKey}); err != nil {
				return
			}
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		var typ [1]byte
		if _, err := io.ReadFull(conn, typ[:]); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}

		switch typ[0] {
		case dataClientAccountID:
			if sess != nil {
				log.Warn("duplicate account id packet")
				return
			}
			var payload [8]byte
			if !readAll(conn, payload[:]) {
				return
			}
			accountID := binary.LittleEndian.Uint32(payload[0:4])
			s, err := h.deps.Tracker.Get(accountID)
			if err != nil || s.ClientIP() != peerIP {
				log.Warn("data port account rejected", zap.Uint32("account", accountID))
				return
			}
			sess = s
			log = log.With(zap.Uint32("account", accountID))
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write([]byte{dataSendKey}); err != nil {
				return
			}

		case dataClientKey:
			if sess == nil || keyDone {
				log.Warn("key packet out of order")
				return
			}
			var key [24]byte
			if !readAll(conn, key[:]) {
				return
			}
			sess.SetKey(key)
			sess.ExtendTTL(keyTTLExtension, false)
			keyDone = true
			log.Debug("session key installed")

			time.Sleep(listGrace)
			list, err := h.minimalList(ctx, sess.AccountID())
			if err != nil {
				log.Error("compose data-port list", zap.Error(err))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write(list); err != nil {
				return
			}
			sess.SignalView(session.ViewSendCharacterList)
			sess.SetDataFinished()
			log.Debug("data handshake complete")

		default:
			log.Warn("unknown data packet type", zap.Uint8("type", typ[0]))
			return
		}
	}
}

// minimalList builds the data-port character list: a type byte, a slot
// count, then one 49-byte entry per content slot carrying only the
// content id and character id.
func (h *DataHandler) minimalList(ctx context.Context, accountID uint32) ([]byte, error) {
	contents, err := h.deps.Contents.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	chars, err := h.deps.Mirror.AccountCharacters(ctx, accountID)
	if err != nil {
		return nil, err
	}
	charByContent := make(map[uint32]uint32, len(chars))
	for i := range chars {
		charByContent[chars[i].ContentID] = chars[i].CharacterID
	}

	out := make([]byte, 0, 2+len(contents)*mq.CharacterEntrySize)
	out = append(out, dataCharList, byte(len(contents)))
	for _, c := range contents {
		entry := mq.CharacterEntry{
			ContentID:   c.ContentID,
			CharacterID: charByContent[c.ContentID],
		}
		out = append(out, mq.MarshalEntry(&entry)...)
	}
	return out, nil
}

func readAll(conn net.Conn, buf []byte) bool {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(conn, buf)
	return err == nil
}
