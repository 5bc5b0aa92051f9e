package dlfile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"doclib/internal/lock"
	"doclib/internal/store"
)

type AddFolderInput struct {
	UserID   int64
	GroupID  int64
	ParentID int64
	Name     string
	// FileEntryTypeIDs restricts the types accepted in the folder. Empty
	// inherits the parent's restriction.
	FileEntryTypeIDs []int64
}

func (s *Service) AddFolder(ctx context.Context, in AddFolderInput) (store.Folder, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return store.Folder{}, fmt.Errorf("%w: folder name %q", ErrFileName, in.Name)
	}

	var folder store.Folder
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetUser(ctx, in.UserID); err != nil {
			return fmt.Errorf("load user %d: %w", in.UserID, err)
		}
		if in.ParentID != 0 {
			if _, err := s.store.GetFolder(ctx, in.ParentID); err != nil {
				return fmt.Errorf("load folder %d: %w", in.ParentID, err)
			}
		}
		existing, err := s.store.FetchFolderByName(ctx, in.GroupID, in.ParentID, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %q", ErrDuplicateFolderName, name)
		}
		entry, err := s.store.FetchFileEntryByTitle(ctx, in.GroupID, in.ParentID, name)
		if err != nil {
			return err
		}
		if entry != nil {
			return fmt.Errorf("%w: %q", ErrDuplicateFile, name)
		}

		folder = store.Folder{
			GroupID:  in.GroupID,
			ParentID: in.ParentID,
			UserID:   in.UserID,
			Name:     name,
		}
		if err := s.store.InsertFolder(ctx, &folder); err != nil {
			return err
		}
		if len(in.FileEntryTypeIDs) > 0 {
			return s.store.SetFolderFileEntryTypes(ctx, folder.ID, in.FileEntryTypeIDs)
		}
		return nil
	})
	if err != nil {
		return store.Folder{}, err
	}
	return folder, nil
}

// LockFolder locks a folder. Inheritable locks also cover every entry in
// the folder and its subfolders.
func (s *Service) LockFolder(ctx context.Context, userID, folderID int64, owner string, inheritable bool, expiration time.Duration) (lock.Lock, error) {
	if _, err := s.store.GetFolder(ctx, folderID); err != nil {
		return lock.Lock{}, fmt.Errorf("load folder %d: %w", folderID, err)
	}
	if expiration <= 0 || expiration > s.opts.LockTTL {
		expiration = s.opts.LockTTL
	}
	if owner == "" {
		owner = strconv.FormatInt(userID, 10)
	}
	l, err := s.locks.Lock(ctx, userID, store.ClassFolder, folderKey(folderID), owner, inheritable, expiration)
	if err != nil {
		return lock.Lock{}, fmt.Errorf("lock folder %d: %w", folderID, err)
	}
	return l, nil
}

// UnlockFolder releases the folder lock. A non-empty lockUUID must match.
func (s *Service) UnlockFolder(ctx context.Context, folderID int64, lockUUID string) error {
	if err := s.matchLock(ctx, store.ClassFolder, folderKey(folderID), lockUUID); err != nil {
		return err
	}
	return s.locks.Unlock(ctx, store.ClassFolder, folderKey(folderID))
}

// HasInheritableLock reports whether the folder or one of its ancestors
// carries an inheritable lock.
func (s *Service) HasInheritableLock(ctx context.Context, folderID int64) (bool, error) {
	_, ok, err := s.inheritableLock(ctx, folderID)
	return ok, err
}

// VerifyInheritableLock reports whether lockUUID identifies an inheritable
// lock on the folder itself.
func (s *Service) VerifyInheritableLock(ctx context.Context, folderID int64, lockUUID string) (bool, error) {
	if folderID == 0 {
		return false, nil
	}
	l, err := s.locks.Get(ctx, store.ClassFolder, folderKey(folderID))
	if errors.Is(err, lock.ErrNoSuchLock) || errors.Is(err, lock.ErrExpiredLock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.Inheritable && l.UUID == lockUUID, nil
}
