package worldsrv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/persist"
)

var (
	// ErrIDTaken means the content id or character id is already in use.
	ErrIDTaken = errors.New("worldsrv: content or character id already taken")
	// ErrNoReservation means no live reservation matched the commit.
	ErrNoReservation = errors.New("worldsrv: no matching reservation")
	// ErrBadJob means the requested main job is not a starting job.
	ErrBadJob = errors.New("worldsrv: main job out of range")
	// ErrNotFound means no character matched.
	ErrNotFound = errors.New("worldsrv: character not found")
)

// CharStore is the slice of the world character repository the allocator
// needs.
type CharStore interface {
	Exists(ctx context.Context, contentID, charID uint32) (bool, error)
	CharIDExists(ctx context.Context, charID uint32) (bool, error)
	MaxCharID(ctx context.Context) (uint32, error)
	Get(ctx context.Context, charID uint32) (*persist.WorldCharRow, error)
	Create(ctx context.Context, row *persist.WorldCharRow, face, race, size, mainJob uint8) error
	Delete(ctx context.Context, charID uint32) error
}

// Starting zones per nation. 0xEF belongs to no nation and is never
// rolled.
var startingZones = [3][3]uint16{
	{0xE6, 0xE7, 0xE8}, // San d'Oria
	{0xEA, 0xEB, 0xEC}, // Bastok
	{0xEE, 0xF0, 0xF1}, // Windurst
}

type reservation struct {
	charID    uint32
	contentID uint32
	accountID uint32
	expiresAt time.Time
}

// Allocator hands out character ids on this world: reserve, then commit
// with the full details, then the reservation is gone. Uncommitted
// reservations lapse after the configured timeout.
type Allocator struct {
	store CharStore
	ttl   time.Duration
	log   *zap.Logger

	now  func() time.Time
	roll func(n int) int

	mu           sync.Mutex
	reservations []reservation
}

func NewAllocator(store CharStore, ttl time.Duration, log *zap.Logger) *Allocator {
	return &Allocator{
		store: store,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
		roll:  rand.Intn,
	}
}

// evict drops lapsed reservations. Caller holds the mutex.
func (a *Allocator) evict() {
	now := a.now()
	kept := a.reservations[:0]
	for _, r := range a.reservations {
		if r.expiresAt.After(now) {
			kept = append(kept, r)
		}
	}
	a.reservations = kept
}

// Reserve claims a content id and suggested character id. A retry with
// the identical tuple refreshes the reservation instead of failing.
func (a *Allocator) Reserve(ctx context.Context, accountID, contentID, charID uint32) error {
	taken, err := a.store.Exists(ctx, contentID, charID)
	if err != nil {
		return fmt.Errorf("check ids: %w", err)
	}
	if taken {
		return ErrIDTaken
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.evict()
	for i, r := range a.reservations {
		if r.contentID == contentID && r.charID == charID && r.accountID == accountID {
			a.reservations[i].expiresAt = a.now().Add(a.ttl)
			return nil
		}
		if r.contentID == contentID || r.charID&0xFFFF == charID&0xFFFF {
			return ErrIDTaken
		}
	}
	a.reservations = append(a.reservations, reservation{
		charID:    charID,
		contentID: contentID,
		accountID: accountID,
		expiresAt: a.now().Add(a.ttl),
	})
	a.log.Debug("character id reserved",
		zap.Uint32("account", accountID), zap.Uint32("content", contentID),
		zap.Uint32("character", charID))
	return nil
}

// Create commits a reserved character. The suggested id is replaced with
// max(existing)+1 when it is zero or already assigned. Returns the
// assigned character id and the rolled starting zone.
func (a *Allocator) Create(ctx context.Context, suggestedID uint32, e *mq.CharacterEntry) (uint32, uint16, error) {
	a.mu.Lock()
	a.evict()
	idx := -1
	for i, r := range a.reservations {
		if r.charID&0xFFFF == suggestedID&0xFFFF {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.mu.Unlock()
		return 0, 0, ErrNoReservation
	}
	res := a.reservations[idx]
	a.mu.Unlock()

	if e.MainJob < 1 || e.MainJob > 6 {
		return 0, 0, ErrBadJob
	}
	if int(e.Nation) >= len(startingZones) {
		return 0, 0, fmt.Errorf("worldsrv: nation %d out of range", e.Nation)
	}

	assigned := suggestedID
	if assigned != 0 {
		exists, err := a.store.CharIDExists(ctx, assigned)
		if err != nil {
			return 0, 0, fmt.Errorf("check character id: %w", err)
		}
		if exists {
			assigned = 0
		}
	}
	if assigned == 0 {
		maxID, err := a.store.MaxCharID(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("next character id: %w", err)
		}
		assigned = maxID + 1
	}

	zones := startingZones[e.Nation]
	zone := zones[a.roll(len(zones))]

	row := &persist.WorldCharRow{
		CharID:    assigned,
		ContentID: res.contentID,
		AcctID:    res.accountID,
		Name:      e.Name,
		Zone:      zone,
		Nation:    e.Nation,
	}
	if err := a.store.Create(ctx, row, e.Face, e.Race, e.Size, e.MainJob); err != nil {
		return 0, 0, fmt.Errorf("insert character %d: %w", assigned, err)
	}

	a.mu.Lock()
	for i, r := range a.reservations {
		if r.contentID == res.contentID && r.charID == res.charID {
			a.reservations = append(a.reservations[:i], a.reservations[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	a.log.Info("character created",
		zap.Uint32("character", assigned), zap.Uint32("content", res.contentID),
		zap.String("name", e.Name), zap.Uint16("zone", zone))
	return assigned, zone, nil
}

// Delete removes a committed character by world-scoped id.
func (a *Allocator) Delete(ctx context.Context, charID uint32) error {
	a.mu.Lock()
	a.evict()
	a.mu.Unlock()

	row, err := a.store.Get(ctx, charID)
	if err != nil {
		return fmt.Errorf("lookup character %d: %w", charID, err)
	}
	if row == nil {
		return ErrNotFound
	}
	if err := a.store.Delete(ctx, charID); err != nil {
		return fmt.Errorf("delete character %d: %w", charID, err)
	}
	a.log.Info("character deleted",
		zap.Uint32("character", charID), zap.Uint32("content", row.ContentID))
	return nil
}

// Reserved reports whether a live reservation covers the content id.
func (a *Allocator) Reserved(contentID uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evict()
	for _, r := range a.reservations {
		if r.contentID == contentID {
			return true
		}
	}
	return false
}
