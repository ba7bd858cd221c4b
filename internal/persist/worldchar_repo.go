package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// WorldCharRow is the authoritative world-side character record.
type WorldCharRow struct {
	CharID    uint32
	ContentID uint32
	AcctID    uint32
	Name      string
	Zone      uint16
	Nation    uint8
}

// WorldCharRepo accesses the world-side character tables: the base row
// plus the appearance and stats rows keyed by character id.
type WorldCharRepo struct {
	db *DB
}

func NewWorldCharRepo(db *DB) *WorldCharRepo {
	return &WorldCharRepo{db: db}
}

// Exists reports whether any character uses the content id or char id.
func (r *WorldCharRepo) Exists(ctx context.Context, contentID, charID uint32) (bool, error) {
	var found bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chars WHERE contentid = $1 OR charid = $2)`,
		contentID, charID,
	).Scan(&found)
	return found, err
}

// CharIDExists reports whether the exact char id is taken.
func (r *WorldCharRepo) CharIDExists(ctx context.Context, charID uint32) (bool, error) {
	var found bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chars WHERE charid = $1)`, charID,
	).Scan(&found)
	return found, err
}

// MaxCharID returns the highest assigned char id, or 0 when the world is
// empty.
func (r *WorldCharRepo) MaxCharID(ctx context.Context) (uint32, error) {
	var maxID uint32
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(charid), 0) FROM chars`,
	).Scan(&maxID)
	return maxID, err
}

// Get loads one base character row.
func (r *WorldCharRepo) Get(ctx context.Context, charID uint32) (*WorldCharRow, error) {
	c := &WorldCharRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT charid, contentid, acctid, charname, pos_zone, nation
		 FROM chars WHERE charid = $1`, charID,
	).Scan(&c.CharID, &c.ContentID, &c.AcctID, &c.Name, &c.Zone, &c.Nation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts the base, appearance and stats rows in one transaction.
func (r *WorldCharRepo) Create(ctx context.Context, row *WorldCharRow, face, race, size, mainJob uint8) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO chars (charid, contentid, acctid, charname, pos_zone, nation)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		row.CharID, row.ContentID, row.AcctID, row.Name, row.Zone, row.Nation,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO char_look (charid, face, race, size) VALUES ($1, $2, $3, $4)`,
		row.CharID, face, race, size,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO char_stats (charid, mjob) VALUES ($1, $2)`,
		row.CharID, mainJob,
	); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WorldCharDetail joins the base row with the appearance and stats rows.
type WorldCharDetail struct {
	WorldCharRow
	Face         uint8
	Race         uint8
	Size         uint8
	MainJob      uint8
	MainJobLevel uint8
}

// ListByAccount loads all of the account's characters with appearance and
// stats, in content-id order.
func (r *WorldCharRepo) ListByAccount(ctx context.Context, acctID uint32) ([]WorldCharDetail, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT c.charid, c.contentid, c.acctid, c.charname, c.pos_zone, c.nation,
		        l.face, l.race, l.size, s.mjob, s.mlvl
		 FROM chars c
		 JOIN char_look l USING (charid)
		 JOIN char_stats s USING (charid)
		 WHERE c.acctid = $1
		 ORDER BY c.contentid`, acctID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorldCharDetail
	for rows.Next() {
		var d WorldCharDetail
		if err := rows.Scan(&d.CharID, &d.ContentID, &d.AcctID, &d.Name, &d.Zone, &d.Nation,
			&d.Face, &d.Race, &d.Size, &d.MainJob, &d.MainJobLevel); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes the character; appearance and stats rows cascade.
func (r *WorldCharRepo) Delete(ctx context.Context, charID uint32) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chars WHERE charid = $1`, charID)
	return err
}
