package dlfile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"doclib/internal/lock"
	"doclib/internal/store"
)

// HasFileEntryLock reports whether userID holds the entry lock or an
// inheritable lock covers the entry's folder.
func (s *Service) HasFileEntryLock(ctx context.Context, userID, fileEntryID int64) (bool, error) {
	entry, err := s.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		return false, err
	}
	return s.hasFileEntryLock(ctx, userID, entry)
}

func (s *Service) hasFileEntryLock(ctx context.Context, userID int64, entry store.FileEntry) (bool, error) {
	held, err := s.locks.HasLock(ctx, userID, store.ClassFileEntry, entryKey(entry.ID))
	if err != nil {
		return false, fmt.Errorf("check lock of entry %d: %w", entry.ID, err)
	}
	if held {
		return true, nil
	}
	return s.HasInheritableLock(ctx, entry.FolderID)
}

// LockFileEntry locks the entry for userID. A user already covered by a
// lock gets that lock back. The expiration is clamped to the configured
// lock TTL.
func (s *Service) LockFileEntry(ctx context.Context, userID, fileEntryID int64, owner string, expiration time.Duration) (lock.Lock, error) {
	entry, err := s.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		return lock.Lock{}, err
	}
	return s.lockFileEntry(ctx, userID, entry, owner, expiration)
}

func (s *Service) lockFileEntry(ctx context.Context, userID int64, entry store.FileEntry, owner string, expiration time.Duration) (lock.Lock, error) {
	held, err := s.hasFileEntryLock(ctx, userID, entry)
	if err != nil {
		return lock.Lock{}, err
	}
	if held {
		existing, err := s.locks.Get(ctx, store.ClassFileEntry, entryKey(entry.ID))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, lock.ErrNoSuchLock) && !errors.Is(err, lock.ErrExpiredLock) {
			return lock.Lock{}, err
		}
		folderLock, ok, err := s.inheritableLock(ctx, entry.FolderID)
		if err != nil {
			return lock.Lock{}, err
		}
		if ok {
			return folderLock, nil
		}
	}

	if expiration <= 0 || expiration > s.opts.LockTTL {
		expiration = s.opts.LockTTL
	}
	if owner == "" {
		owner = strconv.FormatInt(userID, 10)
	}
	l, err := s.locks.Lock(ctx, userID, store.ClassFileEntry, entryKey(entry.ID), owner, false, expiration)
	if err != nil {
		return lock.Lock{}, fmt.Errorf("lock entry %d: %w", entry.ID, err)
	}
	return l, nil
}

// UnlockFileEntry releases the entry lock unless the entry is checked out.
// A non-empty lockUUID must match the current lock; a missing or expired
// lock is not an error.
func (s *Service) UnlockFileEntry(ctx context.Context, fileEntryID int64, lockUUID string) error {
	if err := s.matchLock(ctx, store.ClassFileEntry, entryKey(fileEntryID), lockUUID); err != nil {
		return err
	}
	checkedOut, err := s.IsFileEntryCheckedOut(ctx, fileEntryID)
	if err != nil {
		return err
	}
	if checkedOut {
		return nil
	}
	return s.unlockFileEntry(ctx, fileEntryID)
}

func (s *Service) unlockFileEntry(ctx context.Context, fileEntryID int64) error {
	return s.locks.Unlock(ctx, store.ClassFileEntry, entryKey(fileEntryID))
}

// VerifyFileEntryLock reports whether lockUUID identifies the entry lock.
// Without a live entry lock the folder's inheritable lock is checked.
func (s *Service) VerifyFileEntryLock(ctx context.Context, fileEntryID int64, lockUUID string) (bool, error) {
	l, err := s.locks.Get(ctx, store.ClassFileEntry, entryKey(fileEntryID))
	switch {
	case err == nil:
		return l.UUID == lockUUID, nil
	case errors.Is(err, lock.ErrNoSuchLock), errors.Is(err, lock.ErrExpiredLock):
		entry, err := s.GetFileEntry(ctx, fileEntryID)
		if err != nil {
			return false, err
		}
		return s.VerifyInheritableLock(ctx, entry.FolderID, lockUUID)
	default:
		return false, err
	}
}

// VerifyFileEntryCheckOut is VerifyFileEntryLock for checked out entries.
func (s *Service) VerifyFileEntryCheckOut(ctx context.Context, fileEntryID int64, lockUUID string) (bool, error) {
	verified, err := s.VerifyFileEntryLock(ctx, fileEntryID, lockUUID)
	if err != nil || !verified {
		return false, err
	}
	return s.IsFileEntryCheckedOut(ctx, fileEntryID)
}

func (s *Service) matchLock(ctx context.Context, className, key, lockUUID string) error {
	if lockUUID == "" {
		return nil
	}
	l, err := s.locks.Get(ctx, className, key)
	switch {
	case errors.Is(err, lock.ErrNoSuchLock), errors.Is(err, lock.ErrExpiredLock):
		return nil
	case err != nil:
		return err
	case l.UUID != lockUUID:
		return fmt.Errorf("%w: %s/%s", ErrInvalidLock, className, key)
	}
	return nil
}

// inheritableLock returns the closest inheritable lock on the folder or one
// of its ancestors.
func (s *Service) inheritableLock(ctx context.Context, folderID int64) (lock.Lock, bool, error) {
	for folderID != 0 {
		l, err := s.locks.Get(ctx, store.ClassFolder, folderKey(folderID))
		switch {
		case err == nil:
			if l.Inheritable {
				return l, true, nil
			}
		case errors.Is(err, lock.ErrNoSuchLock), errors.Is(err, lock.ErrExpiredLock):
		default:
			return lock.Lock{}, false, fmt.Errorf("check lock of folder %d: %w", folderID, err)
		}

		folder, err := s.store.GetFolder(ctx, folderID)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return lock.Lock{}, false, fmt.Errorf("load folder %d: %w", folderID, err)
		}
		folderID = folder.ParentID
	}
	return lock.Lock{}, false, nil
}

func folderKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
