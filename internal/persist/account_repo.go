package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Privilege bits on the accounts row.
const (
	PrivEnabled    uint32 = 1 << 0
	PrivTestAccess uint32 = 1 << 1
)

type AccountRow struct {
	ID           uint32
	Username     string
	PasswordHash string
	Salt         string
	Email        string
	ContentIDs   int
	Expansions   uint32
	Features     uint32
	Privileges   uint32
	Enabled      bool
	CreatedAt    time.Time
}

type AccountRepo struct {
	db *DB
}

func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) Load(ctx context.Context, username string) (*AccountRow, error) {
	return r.load(ctx, `WHERE username = $1`, username)
}

func (r *AccountRepo) LoadByID(ctx context.Context, id uint32) (*AccountRow, error) {
	return r.load(ctx, `WHERE id = $1`, id)
}

func (r *AccountRepo) load(ctx context.Context, where string, arg any) (*AccountRow, error) {
	row := &AccountRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, username, password, salt, COALESCE(email,''), content_ids,
		        expansions, features, privileges, enabled, created_at
		 FROM accounts `+where, arg,
	).Scan(
		&row.ID, &row.Username, &row.PasswordHash, &row.Salt, &row.Email, &row.ContentIDs,
		&row.Expansions, &row.Features, &row.Privileges, &row.Enabled, &row.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Create inserts the account and pre-allocates its content slots in one
// transaction. The password hash and salt are computed by the caller.
func (r *AccountRepo) Create(ctx context.Context, username, passwordHash, salt, email string, contentIDs int) (uint32, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uint32
	err = tx.QueryRow(ctx,
		`INSERT INTO accounts (username, password, salt, email, content_ids, privileges)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		username, passwordHash, salt, email, contentIDs, PrivEnabled,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	for i := 0; i < contentIDs; i++ {
		if _, err := tx.Exec(ctx,
			`INSERT INTO contents (account_id) VALUES ($1)`, id,
		); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (r *AccountRepo) UpdatePassword(ctx context.Context, id uint32, passwordHash, salt string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE accounts SET password = $2, salt = $3 WHERE id = $1`,
		id, passwordHash, salt,
	)
	return err
}
