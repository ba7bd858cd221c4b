package persist

import (
	"context"
)

// WorldRow is one world shard and its broker endpoint.
type WorldRow struct {
	ID       uint32
	Name     string
	MQServer string
	MQPort   uint16
	MQUseSSL bool
	MQVerify bool
	MQUser   string
	MQPass   string
	MQVHost  string
	IsTest   bool
	IsActive bool
}

type WorldRepo struct {
	db *DB
}

func NewWorldRepo(db *DB) *WorldRepo {
	return &WorldRepo{db: db}
}

// ListActive returns the worlds the registry should connect to.
func (r *WorldRepo) ListActive(ctx context.Context) ([]WorldRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, name, mq_server_ip, mq_server_port, mq_use_ssl, mq_ssl_verify,
		        mq_username, mq_password, mq_vhost, is_test, is_active
		 FROM worlds WHERE is_active ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorldRow
	for rows.Next() {
		var w WorldRow
		if err := rows.Scan(
			&w.ID, &w.Name, &w.MQServer, &w.MQPort, &w.MQUseSSL, &w.MQVerify,
			&w.MQUser, &w.MQPass, &w.MQVHost, &w.IsTest, &w.IsActive,
		); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
