package emrclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/link/internal/platform/db"
)

const clientColumns = `client_id, secret_hash, display_name, created_at`

type repoPG struct {
	db db.Conn
}

// NewRepoPG returns a Repository backed by the emr_clients table.
func NewRepoPG(conn db.Conn) Repository {
	return &repoPG{db: conn}
}

func (r *repoPG) GetByClientID(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	err := r.db.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM emr_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ClientID, &c.SecretHash, &c.DisplayName, &c.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get emr client: %w", err)
	}
	return &c, nil
}

func (r *repoPG) Create(ctx context.Context, c *Client) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO emr_clients (`+clientColumns+`) VALUES ($1, $2, $3, $4)`,
		c.ClientID, c.SecretHash, c.DisplayName, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("create emr client: %w", err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context) ([]*Client, error) {
	rows, err := r.db.Query(ctx, `SELECT `+clientColumns+` FROM emr_clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list emr clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ClientID, &c.SecretHash, &c.DisplayName, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan emr client: %w", err)
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}
