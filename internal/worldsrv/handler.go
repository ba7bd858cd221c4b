package worldsrv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/config"
	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/persist"
)

const handleTimeout = 10 * time.Second

// CharLister loads full character details for login-ack and replay
// traffic.
type CharLister interface {
	Get(ctx context.Context, charID uint32) (*persist.WorldCharRow, error)
	ListByAccount(ctx context.Context, acctID uint32) ([]persist.WorldCharDetail, error)
}

// Handler is the world daemon's end of the fabric: it services reserve,
// commit, delete and login requests from the login tier and replays
// character data on demand.
type Handler struct {
	worldID uint32
	alloc   *Allocator
	chars   CharLister
	log     *zap.Logger

	zoneIP     uint32
	zonePort   uint16
	searchIP   uint32
	searchPort uint16
}

func NewHandler(cfg config.WorldServerConfig, alloc *Allocator, chars CharLister, log *zap.Logger) (*Handler, error) {
	zoneIP, err := ip4ToUint32(cfg.ZoneIP)
	if err != nil {
		return nil, fmt.Errorf("zone_ip: %w", err)
	}
	searchIP, err := ip4ToUint32(cfg.SearchIP)
	if err != nil {
		return nil, fmt.Errorf("search_ip: %w", err)
	}
	return &Handler{
		worldID:    cfg.WorldID,
		alloc:      alloc,
		chars:      chars,
		log:        log,
		zoneIP:     zoneIP,
		zonePort:   cfg.ZonePort,
		searchIP:   searchIP,
		searchPort: cfg.SearchPort,
	}, nil
}

// HandleMessage implements mq.Handler.
func (h *Handler) HandleMessage(body []byte, origin *mq.Connection) bool {
	return h.handle(body, origin.Publish)
}

func (h *Handler) handle(body []byte, publish func(context.Context, []byte) error) bool {
	header, err := mq.ParseHeader(body)
	if err != nil {
		h.log.Error("malformed fabric message", zap.Error(err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch header.Type {
	case mq.MsgCharReserve:
		h.handleReserve(ctx, body, header, publish)
	case mq.MsgCharCreate:
		h.handleCreate(ctx, body, header, publish)
	case mq.MsgCharDelete:
		h.handleDelete(ctx, header, publish)
	case mq.MsgCharLogin:
		h.handleLogin(ctx, body, header, publish)
	case mq.MsgGetAccountChars:
		h.handleReplay(ctx, header, publish)
	default:
		return false
	}
	return true
}

func (h *Handler) handleReserve(ctx context.Context, body []byte, header mq.Header, publish func(context.Context, []byte) error) {
	var code uint32
	req, err := mq.UnmarshalCreateRequest(body)
	if err != nil {
		h.log.Warn("malformed reserve request", zap.Error(err))
		code = 1
	} else if err := h.alloc.Reserve(ctx, header.AccountID, header.ContentID, header.CharacterID); err != nil {
		h.log.Warn("reservation refused",
			zap.Uint32("account", header.AccountID), zap.Uint32("content", header.ContentID),
			zap.String("name", req.Name), zap.Error(err))
		code = 1
	}
	ack := mq.GenericResponse{
		Header: mq.Header{
			Type:        mq.MsgCharReserveAck,
			ContentID:   header.ContentID,
			CharacterID: header.CharacterID,
			AccountID:   header.AccountID,
		},
		ResponseCode: code,
	}
	h.publishAck(ctx, ack.Marshal(), publish)
}

func (h *Handler) handleCreate(ctx context.Context, body []byte, header mq.Header, publish func(context.Context, []byte) error) {
	assigned := header.CharacterID
	var zone uint16
	var code uint32
	req, err := mq.UnmarshalConfirmCreateRequest(body)
	if err != nil {
		h.log.Warn("malformed create request", zap.Error(err))
		code = 1
	} else {
		assigned, zone, err = h.alloc.Create(ctx, header.CharacterID, &req.Details)
		if err != nil {
			h.log.Warn("character commit refused",
				zap.Uint32("account", header.AccountID),
				zap.Uint32("content", header.ContentID), zap.Error(err))
			assigned = header.CharacterID
			code = 1
		}
	}
	ack := mq.ConfirmCreateResponse{
		Header: mq.Header{
			Type:        mq.MsgCharCreateAck,
			ContentID:   header.ContentID,
			CharacterID: assigned,
			AccountID:   header.AccountID,
		},
		ResponseCode: code,
		Zone:         zone,
	}
	h.publishAck(ctx, ack.Marshal(), publish)
}

func (h *Handler) handleDelete(ctx context.Context, header mq.Header, publish func(context.Context, []byte) error) {
	var code uint32
	if err := h.alloc.Delete(ctx, header.CharacterID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.log.Error("delete character", zap.Uint32("character", header.CharacterID), zap.Error(err))
		}
		code = 1
	}
	ack := mq.GenericResponse{
		Header: mq.Header{
			Type:        mq.MsgCharDeleteAck,
			ContentID:   header.ContentID,
			CharacterID: header.CharacterID,
			AccountID:   header.AccountID,
		},
		ResponseCode: code,
	}
	h.publishAck(ctx, ack.Marshal(), publish)
}

// handleLogin admits a character to this world: the row must exist and
// belong to the requesting account and content id. The ack carries the
// zone and search endpoints the client should move to.
func (h *Handler) handleLogin(ctx context.Context, body []byte, header mq.Header, publish func(context.Context, []byte) error) {
	var code uint32
	if _, err := mq.UnmarshalLoginRequest(body); err != nil {
		h.log.Warn("malformed login request", zap.Error(err))
		code = 1
	} else {
		row, err := h.chars.Get(ctx, header.CharacterID)
		switch {
		case err != nil:
			h.log.Error("lookup character", zap.Uint32("character", header.CharacterID), zap.Error(err))
			code = 1
		case row == nil || row.AcctID != header.AccountID || row.ContentID != header.ContentID:
			h.log.Warn("login refused, character not owned",
				zap.Uint32("character", header.CharacterID),
				zap.Uint32("account", header.AccountID))
			code = 1
		}
	}
	ack := mq.LoginResponse{
		Header: mq.Header{
			Type:        mq.MsgCharLoginAck,
			ContentID:   header.ContentID,
			CharacterID: header.CharacterID,
			AccountID:   header.AccountID,
		},
		ResponseCode: code,
		ZoneIP:       h.zoneIP,
		ZonePort:     h.zonePort,
		SearchIP:     h.searchIP,
		SearchPort:   h.searchPort,
	}
	h.publishAck(ctx, ack.Marshal(), publish)
}

// handleReplay pushes one CHAR_UPDATE per character owned by the account,
// rebuilding the login-side mirror.
func (h *Handler) handleReplay(ctx context.Context, header mq.Header, publish func(context.Context, []byte) error) {
	details, err := h.chars.ListByAccount(ctx, header.AccountID)
	if err != nil {
		h.log.Error("list account characters", zap.Uint32("account", header.AccountID), zap.Error(err))
		return
	}
	for i := range details {
		d := &details[i]
		entry := mq.CharacterEntry{
			ContentID:    d.ContentID,
			Enabled:      true,
			CharacterID:  d.CharID,
			Name:         d.Name,
			WorldID:      uint8(h.worldID),
			MainJob:      d.MainJob,
			MainJobLevel: d.MainJobLevel,
			Zone:         d.Zone,
			Race:         d.Race,
			Face:         d.Face,
			Size:         d.Size,
			Nation:       d.Nation,
		}
		update := mq.Header{
			Type:        mq.MsgCharUpdate,
			ContentID:   d.ContentID,
			CharacterID: d.CharID,
			AccountID:   header.AccountID,
		}
		msg := mq.CharUpdate{Header: update, Entry: entry}
		h.publishAck(ctx, msg.Marshal(), publish)
	}
}

func (h *Handler) publishAck(ctx context.Context, body []byte, publish func(context.Context, []byte) error) {
	if err := publish(ctx, body); err != nil {
		h.log.Error("publish fabric reply", zap.Error(err))
	}
}

// ip4ToUint32 packs a dotted quad in address byte order, first octet in
// the low byte, matching the client's expectations.
func ip4ToUint32(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return binary.LittleEndian.Uint32(ip.To4()), nil
}
