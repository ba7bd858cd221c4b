package handler

import (
	"context"
	"encoding/binary"
	"net"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/config"
	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/persist"
	"github.com/vanadiel/loginserver/internal/session"
)

// Authenticator is the credential surface of the auth service.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*persist.AccountRow, error)
	CreateAccount(ctx context.Context, username, password, email string) (uint32, error)
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error
}

// AccountLoader fetches account rows for bitmask lookups.
type AccountLoader interface {
	LoadByID(ctx context.Context, id uint32) (*persist.AccountRow, error)
}

// ContentLister loads the account's content slots, in content-id order.
type ContentLister interface {
	ListByAccount(ctx context.Context, accountID uint32) ([]persist.ContentRow, error)
}

// CharacterMirror is the slice of the login-side character mirror the
// port handlers use.
type CharacterMirror interface {
	UpdateCharacter(ctx context.Context, e *mq.CharacterEntry) error
	AccountCharacters(ctx context.Context, accountID uint32) ([]mq.CharacterEntry, error)
	DeleteByContentID(ctx context.Context, contentID uint32) error
	CleanHalfCreated(ctx context.Context, accountID uint32)
}

// WorldDirectory is the world registry surface the view handler uses.
type WorldDirectory interface {
	WorldName(id uint32) (string, error)
	WorldIDByName(name string) (uint32, error)
	IsTest(id uint32) (bool, error)
	AdminWorldsPacket() []byte
	UserWorldsPacket() []byte
	SendToWorld(ctx context.Context, id uint32, body []byte) error
}

// Deps bundles the services shared by the three port handlers.
type Deps struct {
	Cfg      config.LoginServerConfig
	Log      *zap.Logger
	Tracker  *session.Tracker
	Auth     Authenticator
	Accounts AccountLoader
	Contents ContentLister
	Mirror   CharacterMirror
	Worlds   WorldDirectory
}

// ipFromAddr packs the peer's IPv4 address first octet low, the byte
// order used everywhere on the wire.
func ipFromAddr(addr net.Addr) uint32 {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	ip4 := tcp.IP.To4()
	if ip4 == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(ip4)
}
