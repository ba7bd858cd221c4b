package persist

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// CharRow is the login-side mirror of one character, kept current by
// character-update messages from the world fabric.
type CharRow struct {
	ContentID    uint32
	CharacterID  uint32
	AccountID    uint32
	Name         string
	WorldID      uint8
	MainJob      uint8
	MainJobLevel uint8
	Zone         uint16
	Race         uint8
	Face         uint8
	Hair         uint8
	Size         uint8
	Nation       uint8
	Head         uint16
	Body         uint16
	Hands        uint16
	Legs         uint16
	Feet         uint16
	Main         uint16
	Sub          uint16
	Enabled      bool
}

type CharRepo struct {
	db *DB
}

func NewCharRepo(db *DB) *CharRepo {
	return &CharRepo{db: db}
}

const charColumns = `content_id, character_id, account_id, name, world_id,
		main_job, main_job_lv, zone, race, face, hair, size, nation,
		head, body, hands, legs, feet, main, sub, enabled`

func scanChar(row pgx.Row) (*CharRow, error) {
	c := &CharRow{}
	err := row.Scan(
		&c.ContentID, &c.CharacterID, &c.AccountID, &c.Name, &c.WorldID,
		&c.MainJob, &c.MainJobLevel, &c.Zone, &c.Race, &c.Face, &c.Hair, &c.Size, &c.Nation,
		&c.Head, &c.Body, &c.Hands, &c.Legs, &c.Feet, &c.Main, &c.Sub, &c.Enabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CharRepo) GetByContentID(ctx context.Context, contentID uint32) (*CharRow, error) {
	return scanChar(r.db.Pool.QueryRow(ctx,
		`SELECT `+charColumns+` FROM chars WHERE content_id = $1`, contentID))
}

func (r *CharRepo) GetByCharacter(ctx context.Context, characterID uint32, worldID uint8) (*CharRow, error) {
	return scanChar(r.db.Pool.QueryRow(ctx,
		`SELECT `+charColumns+` FROM chars WHERE character_id = $1 AND world_id = $2`,
		characterID, worldID))
}

func (r *CharRepo) ListByAccount(ctx context.Context, accountID uint32) ([]CharRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+charColumns+` FROM chars WHERE account_id = $1 ORDER BY content_id`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CharRow
	for rows.Next() {
		c, err := scanChar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CharRepo) NameTaken(ctx context.Context, worldID uint8, name string) (bool, error) {
	var taken bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chars WHERE world_id = $1 AND name = $2)`,
		worldID, name,
	).Scan(&taken)
	return taken, err
}

func (r *CharRepo) Insert(ctx context.Context, c *CharRow) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO chars (`+charColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14, $15, $16, $17, $18, $19, $20, $21)`,
		c.ContentID, c.CharacterID, c.AccountID, c.Name, c.WorldID,
		c.MainJob, c.MainJobLevel, c.Zone, c.Race, c.Face, c.Hair, c.Size, c.Nation,
		c.Head, c.Body, c.Hands, c.Legs, c.Feet, c.Main, c.Sub, c.Enabled,
	)
	return err
}

// Update refreshes the mutable character fields. Identity columns
// (content id, account, world, name) are deliberately not touched.
func (r *CharRepo) Update(ctx context.Context, c *CharRow) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE chars SET character_id = $2, main_job = $3, main_job_lv = $4, zone = $5,
		        race = $6, face = $7, hair = $8, size = $9, nation = $10,
		        head = $11, body = $12, hands = $13, legs = $14, feet = $15,
		        main = $16, sub = $17, enabled = $18
		 WHERE content_id = $1`,
		c.ContentID, c.CharacterID, c.MainJob, c.MainJobLevel, c.Zone,
		c.Race, c.Face, c.Hair, c.Size, c.Nation,
		c.Head, c.Body, c.Hands, c.Legs, c.Feet, c.Main, c.Sub, c.Enabled,
	)
	return err
}

func (r *CharRepo) DeleteByContentID(ctx context.Context, contentID uint32) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chars WHERE content_id = $1`, contentID)
	return err
}

// DeleteHalfCreated purges rows left by abandoned character creations.
// Committed characters always carry a world-assigned starting zone, so a
// zero zone with no chosen nation marks a reservation that never
// completed.
func (r *CharRepo) DeleteHalfCreated(ctx context.Context, accountID uint32) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM chars WHERE account_id = $1 AND nation = 0 AND zone = 0`, accountID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
