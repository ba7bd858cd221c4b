package persist

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

type ContentRow struct {
	ContentID uint32
	AccountID uint32
	Enabled   bool
}

type ContentRepo struct {
	db *DB
}

func NewContentRepo(db *DB) *ContentRepo {
	return &ContentRepo{db: db}
}

// ListByAccount returns the account's content slots in id order. Slot
// positions in session character lists follow this ordering.
func (r *ContentRepo) ListByAccount(ctx context.Context, accountID uint32) ([]ContentRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT content_id, account_id, enabled
		 FROM contents WHERE account_id = $1 ORDER BY content_id`, accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContentRow
	for rows.Next() {
		var c ContentRow
		if err := rows.Scan(&c.ContentID, &c.AccountID, &c.Enabled); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get loads one content slot.
func (r *ContentRepo) Get(ctx context.Context, contentID uint32) (*ContentRow, error) {
	var c ContentRow
	err := r.db.Pool.QueryRow(ctx,
		`SELECT content_id, account_id, enabled FROM contents WHERE content_id = $1`,
		contentID,
	).Scan(&c.ContentID, &c.AccountID, &c.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
