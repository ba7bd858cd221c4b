package charmsg

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/persist"
)

var (
	// ErrMismatch means an update tried to move a character to another
	// content id, account or name.
	ErrMismatch = errors.New("charmsg: character identity mismatch")
	// ErrNameTaken means the name is already used on that world.
	ErrNameTaken = errors.New("charmsg: name already taken on world")
	// ErrContentTaken means the content id already carries a character.
	ErrContentTaken = errors.New("charmsg: content id already taken")
	// ErrNoContent means the content id does not exist.
	ErrNoContent = errors.New("charmsg: no such content id")
	// ErrNotFound means no character matched the query.
	ErrNotFound = errors.New("charmsg: character not found")
)

// CharStore is the slice of the character mirror repository used here.
type CharStore interface {
	GetByContentID(ctx context.Context, contentID uint32) (*persist.CharRow, error)
	GetByCharacter(ctx context.Context, characterID uint32, worldID uint8) (*persist.CharRow, error)
	ListByAccount(ctx context.Context, accountID uint32) ([]persist.CharRow, error)
	NameTaken(ctx context.Context, worldID uint8, name string) (bool, error)
	Insert(ctx context.Context, c *persist.CharRow) error
	Update(ctx context.Context, c *persist.CharRow) error
	DeleteByContentID(ctx context.Context, contentID uint32) error
	DeleteHalfCreated(ctx context.Context, accountID uint32) (int64, error)
}

// ContentStore resolves content slots to their owning account.
type ContentStore interface {
	Get(ctx context.Context, contentID uint32) (*persist.ContentRow, error)
}

// Mirror keeps the login-side copy of authoritative character data in
// sync with updates arriving from the world fabric.
type Mirror struct {
	chars    CharStore
	contents ContentStore
	log      *zap.Logger
}

func NewMirror(chars CharStore, contents ContentStore, log *zap.Logger) *Mirror {
	return &Mirror{chars: chars, contents: contents, log: log}
}

// UpdateCharacter applies one authoritative entry to the mirror. An
// existing character may only change its mutable fields; moving it to a
// different content id, account or name is rejected. A new character must
// land on a free content id with a free name.
func (m *Mirror) UpdateCharacter(ctx context.Context, e *mq.CharacterEntry) error {
	existing, err := m.chars.GetByCharacter(ctx, e.CharacterID, e.WorldID)
	if err != nil {
		return fmt.Errorf("lookup character %d: %w", e.CharacterID, err)
	}
	if existing != nil {
		if existing.ContentID != e.ContentID || existing.Name != e.Name {
			return ErrMismatch
		}
		row := entryToRow(e, existing.AccountID)
		if err := m.chars.Update(ctx, row); err != nil {
			return fmt.Errorf("update character %d: %w", e.CharacterID, err)
		}
		return nil
	}

	content, err := m.contents.Get(ctx, e.ContentID)
	if err != nil {
		return fmt.Errorf("lookup content %d: %w", e.ContentID, err)
	}
	if content == nil {
		return ErrNoContent
	}
	occupied, err := m.chars.GetByContentID(ctx, e.ContentID)
	if err != nil {
		return fmt.Errorf("lookup content %d: %w", e.ContentID, err)
	}
	if occupied != nil {
		return ErrContentTaken
	}
	taken, err := m.chars.NameTaken(ctx, e.WorldID, e.Name)
	if err != nil {
		return fmt.Errorf("check name %q: %w", e.Name, err)
	}
	if taken {
		return ErrNameTaken
	}
	row := entryToRow(e, content.AccountID)
	if err := m.chars.Insert(ctx, row); err != nil {
		return fmt.Errorf("insert character %d: %w", e.CharacterID, err)
	}
	m.log.Debug("character mirrored",
		zap.Uint32("character", e.CharacterID), zap.Uint32("content", e.ContentID))
	return nil
}

// QueryByContentID loads a full entry by content id.
func (m *Mirror) QueryByContentID(ctx context.Context, contentID uint32) (*mq.CharacterEntry, error) {
	row, err := m.chars.GetByContentID(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	e := rowToEntry(row)
	return &e, nil
}

// QueryCharacter loads a full entry by world-scoped character id.
func (m *Mirror) QueryCharacter(ctx context.Context, characterID uint32, worldID uint8) (*mq.CharacterEntry, error) {
	row, err := m.chars.GetByCharacter(ctx, characterID, worldID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	e := rowToEntry(row)
	return &e, nil
}

// AccountCharacters lists the account's mirrored characters in content-id
// order.
func (m *Mirror) AccountCharacters(ctx context.Context, accountID uint32) ([]mq.CharacterEntry, error) {
	rows, err := m.chars.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]mq.CharacterEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rowToEntry(&rows[i]))
	}
	return out, nil
}

// DeleteByContentID drops the mirror row after a confirmed world delete.
func (m *Mirror) DeleteByContentID(ctx context.Context, contentID uint32) error {
	return m.chars.DeleteByContentID(ctx, contentID)
}

// CleanHalfCreated purges leftovers of abandoned creations for the
// account.
func (m *Mirror) CleanHalfCreated(ctx context.Context, accountID uint32) {
	dropped, err := m.chars.DeleteHalfCreated(ctx, accountID)
	if err != nil {
		m.log.Error("purge half-created characters", zap.Uint32("account", accountID), zap.Error(err))
		return
	}
	if dropped > 0 {
		m.log.Info("purged half-created characters",
			zap.Uint32("account", accountID), zap.Int64("dropped", dropped))
	}
}

func entryToRow(e *mq.CharacterEntry, accountID uint32) *persist.CharRow {
	return &persist.CharRow{
		ContentID:    e.ContentID,
		CharacterID:  e.CharacterID,
		AccountID:    accountID,
		Name:         e.Name,
		WorldID:      e.WorldID,
		MainJob:      e.MainJob,
		MainJobLevel: e.MainJobLevel,
		Zone:         e.Zone,
		Race:         e.Race,
		Face:         e.Face,
		Hair:         e.Hair,
		Size:         e.Size,
		Nation:       e.Nation,
		Head:         e.Head,
		Body:         e.Body,
		Hands:        e.Hands,
		Legs:         e.Legs,
		Feet:         e.Feet,
		Main:         e.Main,
		Sub:          e.Sub,
		Enabled:      e.Enabled,
	}
}

func rowToEntry(r *persist.CharRow) mq.CharacterEntry {
	return mq.CharacterEntry{
		ContentID:    r.ContentID,
		Enabled:      r.Enabled,
		CharacterID:  r.CharacterID,
		Name:         r.Name,
		WorldID:      r.WorldID,
		MainJob:      r.MainJob,
		MainJobLevel: r.MainJobLevel,
		Zone:         r.Zone,
		Race:         r.Race,
		Face:         r.Face,
		Hair:         r.Hair,
		Size:         r.Size,
		Nation:       r.Nation,
		Head:         r.Head,
		Body:         r.Body,
		Hands:        r.Hands,
		Legs:         r.Legs,
		Feet:         r.Feet,
		Main:         r.Main,
		Sub:          r.Sub,
	}
}
