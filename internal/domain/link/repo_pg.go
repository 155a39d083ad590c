package link

import (
	"context"
	"fmt"

	"github.com/ehr/link/internal/platform/db"
)

const recordColumns = `patient_id, state, identity_id, access_token_cipher, refresh_token_cipher,
	expires_at, pending_verifier, COALESCE(owner_client_id, ''), created_at, updated_at`

type storePG struct {
	db db.Conn
}

// NewStorePG returns a Store backed by the link_records table.
func NewStorePG(conn db.Conn) Store {
	return &storePG{db: conn}
}

func (s *storePG) Get(ctx context.Context, patientID string) (*Record, error) {
	var (
		r     Record
		state string
	)
	err := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM link_records WHERE patient_id = $1`, patientID,
	).Scan(&r.PatientID, &state, &r.IdentityID, &r.AccessTokenCipher, &r.RefreshTokenCipher,
		&r.ExpiresAt, &r.PendingVerifier, &r.OwnerClientID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get link record: %w", err)
	}
	r.State = State(state)
	return &r, nil
}

func (s *storePG) Upsert(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO link_records (
			patient_id, state, identity_id, access_token_cipher, refresh_token_cipher,
			expires_at, pending_verifier, owner_client_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (patient_id) DO UPDATE SET
			state = EXCLUDED.state,
			identity_id = EXCLUDED.identity_id,
			access_token_cipher = EXCLUDED.access_token_cipher,
			refresh_token_cipher = EXCLUDED.refresh_token_cipher,
			expires_at = EXCLUDED.expires_at,
			pending_verifier = EXCLUDED.pending_verifier,
			owner_client_id = EXCLUDED.owner_client_id,
			updated_at = NOW()`,
		r.PatientID, string(r.State), r.IdentityID, r.AccessTokenCipher, r.RefreshTokenCipher,
		r.ExpiresAt, r.PendingVerifier, r.OwnerClientID,
	)
	if err != nil {
		return fmt.Errorf("upsert link record: %w", err)
	}
	return nil
}

func (s *storePG) Update(ctx context.Context, patientID string, f Fields) error {
	n, err := s.db.Exec(ctx, `
		UPDATE link_records SET
			access_token_cipher = COALESCE($2, access_token_cipher),
			refresh_token_cipher = COALESCE($3, refresh_token_cipher),
			expires_at = GREATEST(expires_at, COALESCE($4, expires_at)),
			owner_client_id = COALESCE(NULLIF($5, ''), owner_client_id),
			updated_at = NOW()
		WHERE patient_id = $1 AND state = 'linked'`,
		patientID, f.AccessTokenCipher, f.RefreshTokenCipher, f.ExpiresAt, f.OwnerClientID,
	)
	if err != nil {
		return fmt.Errorf("update link record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *storePG) ListLinked(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT patient_id FROM link_records WHERE state = 'linked' ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list linked records: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan linked record: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list linked records: %w", err)
	}
	return ids, nil
}
