package world

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vanadiel/loginserver/internal/config"
	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/net/packet"
	"github.com/vanadiel/loginserver/internal/persist"
)

// ErrNoSuchWorld is returned for lookups that match no connected world.
var ErrNoSuchWorld = errors.New("world: no such world")

// Store is the slice of the world repository the registry needs.
type Store interface {
	ListActive(ctx context.Context) ([]persist.WorldRow, error)
}

type entry struct {
	row  persist.WorldRow
	conn *mq.Connection
}

// Registry is the catalog of connected worlds. It owns one broker
// connection per world and the two prebuilt world-list payloads.
type Registry struct {
	log *zap.Logger

	mu     sync.Mutex
	worlds map[uint32]*entry
	byName map[string]uint32

	adminPacket []byte
	userPacket  []byte
}

// NewRegistry loads the active worlds and connects their brokers. A world
// that fails to connect is skipped with a log; zero connected worlds is
// fatal.
func NewRegistry(ctx context.Context, store Store, mqCfg config.MQConfig, log *zap.Logger) (*Registry, error) {
	rows, err := store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load worlds: %w", err)
	}

	r := newRegistry(log)
	var connected []persist.WorldRow
	for _, row := range rows {
		conn, err := mq.Connect(brokerConfig(row, mqCfg), row.ID, log)
		if err != nil {
			log.Warn("world broker unreachable, skipping world",
				zap.Uint32("world", row.ID), zap.String("name", row.Name), zap.Error(err))
			continue
		}
		r.add(row, conn)
		connected = append(connected, row)
	}
	if len(connected) == 0 {
		return nil, fmt.Errorf("no world brokers reachable (%d configured)", len(rows))
	}
	r.buildPackets(connected)
	log.Info("world registry ready", zap.Int("worlds", len(connected)))
	return r, nil
}

func brokerConfig(row persist.WorldRow, base config.MQConfig) config.MQConfig {
	return config.MQConfig{
		Server:    row.MQServer,
		Port:      row.MQPort,
		Username:  row.MQUser,
		Password:  row.MQPass,
		VHost:     row.MQVHost,
		UseSSL:    row.MQUseSSL,
		SSLVerify: row.MQVerify,
		Exchange:  base.Exchange,
		Queue:     base.Queue,
		RouteKey:  base.RouteKey,
	}
}

func newRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:    log,
		worlds: make(map[uint32]*entry),
		byName: make(map[string]uint32),
	}
}

func (r *Registry) add(row persist.WorldRow, conn *mq.Connection) {
	r.worlds[row.ID] = &entry{row: row, conn: conn}
	r.byName[row.Name] = row.ID
}

// buildPackets caches the two world-list payloads: a 4-byte 0x20 header
// then {id u32, name[16]} per world. The user variant omits test worlds.
func (r *Registry) buildPackets(rows []persist.WorldRow) {
	admin := packet.NewWriter()
	user := packet.NewWriter()
	admin.WriteD(0x20)
	user.WriteD(0x20)
	for _, row := range rows {
		admin.WriteD(row.ID)
		admin.WriteString(row.Name, 16)
		if !row.IsTest {
			user.WriteD(row.ID)
			user.WriteString(row.Name, 16)
		}
	}
	r.adminPacket = admin.Bytes()
	r.userPacket = user.Bytes()
}

// AddHandler registers a fabric handler on every world connection.
func (r *Registry) AddHandler(h mq.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.worlds {
		e.conn.AddHandler(h)
	}
}

// Run drives all consume loops; the first fatal broker error brings the
// group down.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	r.mu.Lock()
	for _, e := range r.worlds {
		conn := e.conn
		g.Go(func() error { return conn.Run(ctx) })
	}
	r.mu.Unlock()
	return g.Wait()
}

// WorldName returns the world's display name.
func (r *Registry) WorldName(id uint32) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.worlds[id]
	if !ok {
		return "", ErrNoSuchWorld
	}
	return e.row.Name, nil
}

// WorldIDByName is the reverse lookup.
func (r *Registry) WorldIDByName(name string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return 0, ErrNoSuchWorld
	}
	return id, nil
}

// IsTest reports whether the world is a test shard.
func (r *Registry) IsTest(id uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.worlds[id]
	if !ok {
		return false, ErrNoSuchWorld
	}
	return e.row.IsTest, nil
}

// AdminWorldsPacket returns the cached world list including test worlds.
func (r *Registry) AdminWorldsPacket() []byte {
	return r.adminPacket
}

// UserWorldsPacket returns the cached world list without test worlds.
func (r *Registry) UserWorldsPacket() []byte {
	return r.userPacket
}

// SendToWorld publishes one fabric message to the world's broker.
func (r *Registry) SendToWorld(ctx context.Context, id uint32, body []byte) error {
	r.mu.Lock()
	e, ok := r.worlds[id]
	r.mu.Unlock()
	if !ok {
		return ErrNoSuchWorld
	}
	return e.conn.Publish(ctx, body)
}

// Close tears down every broker connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.worlds {
		if err := e.conn.Close(); err != nil {
			r.log.Warn("close world broker", zap.Uint32("world", e.row.ID), zap.Error(err))
		}
	}
}
