package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresBackend keeps locks in the locks table. Expired rows stay until
// they are read or swept by a Reaper.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const lockColumns = `uuid::text, class_name, lock_key, owner, user_id, inheritable, created_at, expires_at`

func scanLock(row *sql.Row) (Lock, error) {
	var l Lock
	err := row.Scan(&l.UUID, &l.ClassName, &l.Key, &l.Owner, &l.UserID, &l.Inheritable, &l.CreatedAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNoSuchLock
	}
	if err != nil {
		return Lock{}, fmt.Errorf("read lock: %w", err)
	}
	return l, nil
}

func (b *PostgresBackend) Fetch(ctx context.Context, className, key string) (Lock, error) {
	return scanLock(b.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE class_name = $1 AND lock_key = $2`, className, key))
}

func (b *PostgresBackend) FetchByUUID(ctx context.Context, lockUUID string) (Lock, error) {
	return scanLock(b.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE uuid::text = $1`, lockUUID))
}

func (b *PostgresBackend) Create(ctx context.Context, l Lock) (bool, error) {
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO locks (uuid, class_name, lock_key, owner, user_id, inheritable, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (class_name, lock_key) DO NOTHING
	`, l.UUID, l.ClassName, l.Key, l.Owner, l.UserID, l.Inheritable, l.CreatedAt, l.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, className, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE class_name = $1 AND lock_key = $2`, className, key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

func (b *PostgresBackend) DeleteIfOwner(ctx context.Context, className, key, owner string) (bool, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE class_name = $1 AND lock_key = $2 AND owner = $3`, className, key, owner)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *PostgresBackend) UpdateExpiration(ctx context.Context, l Lock) error {
	result, err := b.db.ExecContext(ctx, `UPDATE locks SET expires_at = $2 WHERE uuid::text = $1`, l.UUID, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoSuchLock
	}
	return nil
}

// DeleteExpired removes every lock that expired before now.
func (b *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return result.RowsAffected()
}
