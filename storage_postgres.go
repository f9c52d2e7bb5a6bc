package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresClaimStore persists claims in a single table so claims are shared
// across server replicas and survive restarts.
type PostgresClaimStore struct {
	db  *sql.DB
	now func() int64
}

func NewPostgresClaimStore(url string) (*PostgresClaimStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS claims (
			target_id INTEGER PRIMARY KEY,
			target_name TEXT NOT NULL,
			claimed_by TEXT NOT NULL,
			claimed_by_id INTEGER NOT NULL,
			claimed_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			resolved BOOLEAN DEFAULT FALSE
		)
	`); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresClaimStore{
		db:  db,
		now: func() int64 { return time.Now().Unix() },
	}, nil
}

func (s *PostgresClaimStore) Name() string { return "postgres" }

func (s *PostgresClaimStore) Close() error { return s.db.Close() }

func (s *PostgresClaimStore) Get(ctx context.Context, targetID int) (*HitClaim, error) {
	var claim HitClaim
	err := s.db.QueryRowContext(ctx, `
		SELECT target_id, target_name, claimed_by, claimed_by_id, claimed_at, expires_at, resolved
		FROM claims
		WHERE target_id = $1 AND expires_at >= $2
	`, targetID, s.now()).Scan(
		&claim.TargetID,
		&claim.TargetName,
		&claim.ClaimedBy,
		&claim.ClaimedByID,
		&claim.ClaimedAt,
		&claim.ExpiresAt,
		&claim.Resolved,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (s *PostgresClaimStore) Put(ctx context.Context, claim *HitClaim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (target_id, target_name, claimed_by, claimed_by_id, claimed_at, expires_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id) DO UPDATE SET
			target_name = EXCLUDED.target_name,
			claimed_by = EXCLUDED.claimed_by,
			claimed_by_id = EXCLUDED.claimed_by_id,
			claimed_at = EXCLUDED.claimed_at,
			expires_at = EXCLUDED.expires_at,
			resolved = EXCLUDED.resolved
	`, claim.TargetID, claim.TargetName, claim.ClaimedBy, claim.ClaimedByID,
		claim.ClaimedAt, claim.ExpiresAt, claim.Resolved)
	return err
}

func (s *PostgresClaimStore) Delete(ctx context.Context, targetID int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM claims
		WHERE target_id = $1
	`, targetID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresClaimStore) ListAll(ctx context.Context) ([]*HitClaim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, target_name, claimed_by, claimed_by_id, claimed_at, expires_at, resolved
		FROM claims
		WHERE expires_at >= $1
	`, s.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*HitClaim
	for rows.Next() {
		var claim HitClaim
		if err := rows.Scan(
			&claim.TargetID,
			&claim.TargetName,
			&claim.ClaimedBy,
			&claim.ClaimedByID,
			&claim.ClaimedAt,
			&claim.ExpiresAt,
			&claim.Resolved,
		); err != nil {
			return nil, err
		}
		claims = append(claims, &claim)
	}
	return claims, rows.Err()
}

func (s *PostgresClaimStore) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM claims
		WHERE expires_at < $1
	`, s.now())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
