package handler

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// Bootloader auth protocol: a fixed 256-byte request, a fixed 16-byte
// response.
const (
	authPacketSize   = 256
	authResponseSize = 16

	authCmdLogin          = 0x10
	authCmdCreate         = 0x20
	authCmdChangePassword = 0x80

	authRespLoginOK    = 0x01
	authRespError      = 0x02
	authRespCreateOK   = 0x03
	authRespPwChangeOK = 0x06

	reasonLoginFailed    = 1
	reasonCreateFailed   = 2
	reasonPwChangeFailed = 3
	reasonMalformed      = 4
)

type authRequest struct {
	username    string
	password    string
	command     byte
	newPassword string
	email       string
}

// AuthHandler serves one bootloader auth connection.
type AuthHandler struct {
	deps *Deps
}

func NewAuthHandler(deps *Deps) *AuthHandler {
	return &AuthHandler{deps: deps}
}

func (h *AuthHandler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := h.deps.Log.With(zap.String("peer", conn.RemoteAddr().String()))
	peerIP := ipFromAddr(conn.RemoteAddr())
	failures := 0

	var buf [authPacketSize]byte
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}

		resp, failed := h.process(ctx, buf[:], peerIP, log)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(resp); err != nil {
			return
		}
		if failed {
			failures++
			if failures >= h.deps.Cfg.MaxLoginAttempts {
				log.Warn("too many failed attempts, dropping connection")
				return
			}
		}
	}
}

// process runs one request and returns the 16-byte response plus whether
// it counts as a failed attempt.
func (h *AuthHandler) process(ctx context.Context, pkt []byte, peerIP uint32, log *zap.Logger) ([]byte, bool) {
	req, ok := parseAuthRequest(pkt)
	if !ok {
		log.Warn("malformed auth packet")
		return authResponse(authRespError, 0, reasonMalformed), true
	}

	switch req.command {
	case authCmdLogin:
		acct, err := h.deps.Auth.Login(ctx, req.username, req.password)
		if err != nil {
			log.Info("login failed", zap.String("user", req.username), zap.Error(err))
			return authResponse(authRespError, 0, reasonLoginFailed), true
		}
		if err := h.bindSession(acct.ID, peerIP, acct.Expansions, acct.Features, acct.Privileges); err != nil {
			log.Warn("session conflict", zap.String("user", req.username), zap.Error(err))
			return authResponse(authRespError, 0, reasonLoginFailed), true
		}
		log.Info("login ok", zap.String("user", req.username), zap.Uint32("account", acct.ID))
		return authResponse(authRespLoginOK, acct.ID, 0), false

	case authCmdCreate:
		id, err := h.deps.Auth.CreateAccount(ctx, req.username, req.password, req.email)
		if err != nil {
			log.Info("account creation failed", zap.String("user", req.username), zap.Error(err))
			return authResponse(authRespError, 0, reasonCreateFailed), true
		}
		acct, err := h.deps.Accounts.LoadByID(ctx, id)
		if err != nil || acct == nil {
			log.Error("reload created account", zap.Uint32("account", id), zap.Error(err))
			return authResponse(authRespError, 0, reasonCreateFailed), true
		}
		if err := h.bindSession(id, peerIP, acct.Expansions, acct.Features, acct.Privileges); err != nil {
			return authResponse(authRespError, 0, reasonCreateFailed), true
		}
		log.Info("account created", zap.String("user", req.username), zap.Uint32("account", id))
		return authResponse(authRespCreateOK, id, 0), false

	case authCmdChangePassword:
		if err := h.deps.Auth.ChangePassword(ctx, req.username, req.password, req.newPassword); err != nil {
			log.Info("password change failed", zap.String("user", req.username), zap.Error(err))
			return authResponse(authRespError, 0, reasonPwChangeFailed), true
		}
		log.Info("password changed", zap.String("user", req.username))
		return authResponse(authRespPwChangeOK, 0, 0), false

	default:
		log.Warn("unknown auth command", zap.Uint8("command", req.command))
		return authResponse(authRespError, 0, reasonMalformed), true
	}
}

func (h *AuthHandler) bindSession(accountID, peerIP uint32, expansions, features, privileges uint32) error {
	s, err := h.deps.Tracker.Init(accountID, peerIP, h.deps.Cfg.SessionTimeout)
	if err != nil {
		return err
	}
	s.SetBitmasks(expansions, features, privileges)
	return nil
}

// parseAuthRequest decodes the fixed request layout. Every string field
// must carry a NUL terminator inside the field.
func parseAuthRequest(pkt []byte) (authRequest, bool) {
	if len(pkt) != authPacketSize {
		return authRequest{}, false
	}
	username, ok1 := cString(pkt[0:16])
	password, ok2 := cString(pkt[16:32])
	command := pkt[32]
	newPassword, ok3 := cString(pkt[33:49])
	email, ok4 := cString(pkt[49:99])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return authRequest{}, false
	}
	return authRequest{
		username:    username,
		password:    password,
		command:     command,
		newPassword: newPassword,
		email:       email,
	}, true
}

func cString(field []byte) (string, bool) {
	i := bytes.IndexByte(field, 0)
	if i < 0 {
		return "", false
	}
	return string(field[:i]), true
}

func authResponse(respType byte, accountID uint32, reason uint16) []byte {
	resp := make([]byte, authResponseSize)
	resp[0] = respType
	binary.LittleEndian.PutUint32(resp[1:5], accountID)
	binary.LittleEndian.PutUint16(resp[5:7], reason)
	return resp
}
