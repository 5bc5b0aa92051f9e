// Package lock provides advisory locks keyed by (class name, key). Locks
// carry a UUID token, an owner string and an optional expiration.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoSuchLock    = errors.New("no such lock")
	ErrExpiredLock   = errors.New("lock expired")
	ErrDuplicateLock = errors.New("lock held by another user")
	ErrInvalidLock   = errors.New("invalid lock")
)

// maxCreateAttempts bounds retries when another writer wins the race for
// the same key between fetch and create.
const maxCreateAttempts = 5

type Lock struct {
	UUID        string     `json:"uuid"`
	ClassName   string     `json:"class_name"`
	Key         string     `json:"key"`
	Owner       string     `json:"owner"`
	UserID      int64      `json:"user_id"`
	Inheritable bool       `json:"inheritable"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	// New is set when the call that returned the lock created it.
	New bool `json:"-"`
}

func (l Lock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// DuplicateLockError reports the lock that blocked an acquisition.
type DuplicateLockError struct {
	Lock Lock
}

func (e *DuplicateLockError) Error() string {
	return fmt.Sprintf("%s/%s is locked by user %d", e.Lock.ClassName, e.Lock.Key, e.Lock.UserID)
}

func (e *DuplicateLockError) Is(target error) bool { return target == ErrDuplicateLock }

// Backend persists locks. Fetch and FetchByUUID return ErrNoSuchLock when
// nothing is stored. Create must not overwrite an existing lock and reports
// whether it stored l.
type Backend interface {
	Fetch(ctx context.Context, className, key string) (Lock, error)
	FetchByUUID(ctx context.Context, uuid string) (Lock, error)
	Create(ctx context.Context, l Lock) (bool, error)
	Delete(ctx context.Context, className, key string) error
	DeleteIfOwner(ctx context.Context, className, key, owner string) (bool, error)
	UpdateExpiration(ctx context.Context, l Lock) error
}

type Manager struct {
	backend Backend
	now     func() time.Time
}

func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend, now: time.Now}
}

// Lock acquires the lock for userID, or returns the lock the user already
// holds. A lock held by another user fails with a *DuplicateLockError.
// ttl <= 0 means the lock never expires.
func (m *Manager) Lock(ctx context.Context, userID int64, className, key, owner string, inheritable bool, ttl time.Duration) (Lock, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		existing, err := m.Get(ctx, className, key)
		switch {
		case errors.Is(err, ErrNoSuchLock), errors.Is(err, ErrExpiredLock):
		case err != nil:
			return Lock{}, err
		case existing.UserID != userID:
			lockConflictsTotal.WithLabelValues(className).Inc()
			return Lock{}, &DuplicateLockError{Lock: existing}
		default:
			return existing, nil
		}

		l := m.newLock(userID, className, key, owner, inheritable, ttl)
		created, err := m.backend.Create(ctx, l)
		if err != nil {
			return Lock{}, fmt.Errorf("create lock: %w", err)
		}
		if created {
			locksAcquiredTotal.WithLabelValues(className).Inc()
			return l, nil
		}
	}
	return Lock{}, fmt.Errorf("lock %s/%s: too much contention", className, key)
}

// TryLock returns the current lock for the key, creating one owned by owner
// when none exists. The returned lock has New set only when it was created
// by this call. Locks created here never expire.
func (m *Manager) TryLock(ctx context.Context, className, key, owner string) (Lock, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		l := m.newLock(0, className, key, owner, false, 0)
		created, err := m.backend.Create(ctx, l)
		if err != nil {
			return Lock{}, fmt.Errorf("create lock: %w", err)
		}
		if created {
			locksAcquiredTotal.WithLabelValues(className).Inc()
			return l, nil
		}

		existing, err := m.backend.Fetch(ctx, className, key)
		if errors.Is(err, ErrNoSuchLock) {
			continue
		}
		if err != nil {
			return Lock{}, fmt.Errorf("fetch lock: %w", err)
		}
		return existing, nil
	}
	return Lock{}, fmt.Errorf("lock %s/%s: too much contention", className, key)
}

// Get returns the current lock. An expired lock is removed and reported as
// ErrExpiredLock.
func (m *Manager) Get(ctx context.Context, className, key string) (Lock, error) {
	l, err := m.backend.Fetch(ctx, className, key)
	if err != nil {
		if errors.Is(err, ErrNoSuchLock) {
			return Lock{}, err
		}
		return Lock{}, fmt.Errorf("fetch lock: %w", err)
	}
	if l.Expired(m.now()) {
		if err := m.backend.Delete(ctx, className, key); err != nil {
			return Lock{}, fmt.Errorf("delete expired lock: %w", err)
		}
		return Lock{}, ErrExpiredLock
	}
	return l, nil
}

func (m *Manager) HasLock(ctx context.Context, userID int64, className, key string) (bool, error) {
	l, err := m.Get(ctx, className, key)
	if errors.Is(err, ErrNoSuchLock) || errors.Is(err, ErrExpiredLock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.UserID == userID, nil
}

func (m *Manager) IsLocked(ctx context.Context, className, key string) (bool, error) {
	_, err := m.Get(ctx, className, key)
	if errors.Is(err, ErrNoSuchLock) || errors.Is(err, ErrExpiredLock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) Unlock(ctx context.Context, className, key string) error {
	if err := m.backend.Delete(ctx, className, key); err != nil {
		return fmt.Errorf("unlock %s/%s: %w", className, key, err)
	}
	return nil
}

// UnlockOwner removes the lock only while owner still holds it.
func (m *Manager) UnlockOwner(ctx context.Context, className, key, owner string) error {
	if _, err := m.backend.DeleteIfOwner(ctx, className, key, owner); err != nil {
		return fmt.Errorf("unlock %s/%s: %w", className, key, err)
	}
	return nil
}

// Refresh extends the lock identified by lockUUID by ttl from now.
func (m *Manager) Refresh(ctx context.Context, lockUUID string, ttl time.Duration) (Lock, error) {
	l, err := m.backend.FetchByUUID(ctx, lockUUID)
	if err != nil {
		return Lock{}, err
	}
	now := m.now()
	if l.Expired(now) {
		return Lock{}, ErrExpiredLock
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		l.ExpiresAt = &expiresAt
	} else {
		l.ExpiresAt = nil
	}
	if err := m.backend.UpdateExpiration(ctx, l); err != nil {
		return Lock{}, fmt.Errorf("refresh lock: %w", err)
	}
	return l, nil
}

func (m *Manager) newLock(userID int64, className, key, owner string, inheritable bool, ttl time.Duration) Lock {
	now := m.now().UTC()
	l := Lock{
		UUID:        uuid.NewString(),
		ClassName:   className,
		Key:         key,
		Owner:       owner,
		UserID:      userID,
		Inheritable: inheritable,
		CreatedAt:   now,
		New:         true,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		l.ExpiresAt = &expiresAt
	}
	return l
}
