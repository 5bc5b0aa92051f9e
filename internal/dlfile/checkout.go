package dlfile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"doclib/internal/blob"
	"doclib/internal/store"
	"doclib/internal/workflow"
)

type CheckOutOptions struct {
	Owner      string
	Expiration time.Duration
	// ManualCheckIn marks entries checked out by clients that check in
	// explicitly, such as WebDAV.
	ManualCheckIn bool
}

type CheckInOptions struct {
	Action Action
	// WebDAV keeps the manual check-in flag set.
	WebDAV bool
}

// CheckOut gives userID a private working copy of the entry.
func (s *Service) CheckOut(ctx context.Context, userID, fileEntryID int64, opts CheckOutOptions) (store.FileEntry, error) {
	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.checkOut(ctx, userID, fileEntryID, opts)
		return err
	})
	return entry, err
}

func (s *Service) checkOut(ctx context.Context, userID, fileEntryID int64, opts CheckOutOptions) (_ store.FileEntry, err error) {
	entry, err := s.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		return store.FileEntry{}, err
	}
	held, err := s.hasFileEntryLock(ctx, userID, entry)
	if err != nil {
		return store.FileEntry{}, err
	}
	if _, err := s.lockFileEntry(ctx, userID, entry, opts.Owner, opts.Expiration); err != nil {
		return store.FileEntry{}, err
	}
	// The lock lives outside the transaction; drop it when this call took it.
	defer func() {
		if err != nil && !held {
			if unlockErr := s.unlockFileEntry(ctx, entry.ID); unlockErr != nil {
				log.Printf("dlfile: unlock entry %d: %v", entry.ID, unlockErr)
			}
		}
	}()
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return store.FileEntry{}, fmt.Errorf("load user %d: %w", userID, err)
	}

	entry.ManualCheckInRequired = opts.ManualCheckIn
	if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
		return store.FileEntry{}, err
	}

	versions, err := s.store.ListFileVersions(ctx, entry.ID)
	if err != nil {
		return store.FileEntry{}, err
	}
	latest, ok := latestVersion(versions, false)
	if !ok {
		return store.FileEntry{}, fmt.Errorf("%w: entry %d has no versions", ErrNoSuchFileVersion, entry.ID)
	}
	if latest.Version == PrivateWorkingCopy {
		return entry, nil
	}

	now := s.now().UTC()
	working := latest
	working.ID = 0
	working.UserID = user.ID
	working.UserName = user.Name
	working.ChangeLog = ""
	working.Version = PrivateWorkingCopy
	working.Status = store.StatusDraft
	working.StatusByUserID = user.ID
	working.StatusByUserName = user.Name
	working.StatusDate = &now
	working.Metadata = copyMetadata(latest.Metadata)
	working.CreatedAt = now
	working.ModifiedAt = now
	if err := s.store.InsertFileVersion(ctx, &working); err != nil {
		return store.FileEntry{}, err
	}

	name := blobName(entry)
	s.deleteBlob(ctx, entry, PrivateWorkingCopy)
	if err := s.blobs.Copy(ctx, name, latest.Version, PrivateWorkingCopy); err != nil {
		return store.FileEntry{}, fmt.Errorf("copy version %s of entry %d to working copy: %w", latest.Version, entry.ID, err)
	}
	return entry, nil
}

// CheckIn publishes the working copy as the next version, or folds it back
// into the current version when nothing changed.
func (s *Service) CheckIn(ctx context.Context, userID, fileEntryID int64, majorVersion bool, changeLog string, opts CheckInOptions) error {
	return s.store.ExecTx(ctx, func(ctx context.Context) error {
		return s.checkIn(ctx, userID, fileEntryID, majorVersion, changeLog, opts)
	})
}

// CheckInWithLock checks in a minor version after verifying lockUUID
// against the entry lock.
func (s *Service) CheckInWithLock(ctx context.Context, userID, fileEntryID int64, lockUUID string, opts CheckInOptions) error {
	if err := s.matchLock(ctx, store.ClassFileEntry, entryKey(fileEntryID), lockUUID); err != nil {
		return err
	}
	return s.CheckIn(ctx, userID, fileEntryID, false, "", opts)
}

func (s *Service) checkIn(ctx context.Context, userID, fileEntryID int64, majorVersion bool, changeLog string, opts CheckInOptions) error {
	entry, versions, err := s.loadEntry(ctx, fileEntryID)
	if err != nil {
		return err
	}
	if !isCheckedOut(versions) {
		return nil
	}
	if _, err := s.lockFileEntry(ctx, userID, entry, "", 0); err != nil {
		return err
	}

	if !opts.WebDAV && entry.ManualCheckInRequired {
		entry.ManualCheckInRequired = false
		if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
			return err
		}
	}

	last, ok := findVersion(versions, entry.Version)
	if !ok {
		return fmt.Errorf("%w: entry %d version %s", ErrNoSuchFileVersion, entry.ID, entry.Version)
	}
	latest, _ := latestVersion(versions, false)

	if s.isKeepFileVersionLabel(ctx, entry, last, latest, opts.Action) {
		if last.Size != latest.Size {
			last.Size = latest.Size
			last.Checksum = latest.Checksum
			if err := s.store.UpdateFileVersion(ctx, last); err != nil {
				return err
			}
			entry.Size = latest.Size
			if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
				return err
			}
			name := blobName(entry)
			s.deleteBlob(ctx, entry, last.Version)
			if err := s.blobs.Copy(ctx, name, PrivateWorkingCopy, last.Version); err != nil {
				return fmt.Errorf("copy working copy of entry %d to %s: %w", entry.ID, last.Version, err)
			}
		}
		return s.removeFileVersion(ctx, entry, latest)
	}

	version := s.nextVersion(entry, versions, majorVersion, opts.Action)
	latest.Version = version
	latest.ChangeLog = changeLog
	latest.ModifiedAt = s.now().UTC()
	if err := s.store.UpdateFileVersion(ctx, latest); err != nil {
		return err
	}
	if err := s.touchFolder(ctx, entry.FolderID, latest.ModifiedAt); err != nil {
		return err
	}
	if err := s.blobs.Move(ctx, blobName(entry), PrivateWorkingCopy, version); err != nil {
		return fmt.Errorf("rename working copy of entry %d to %s: %w", entry.ID, version, err)
	}
	if opts.Action == ActionPublish {
		if err := s.startWorkflow(ctx, userID, entry, latest, workflow.EventUpdate); err != nil {
			return err
		}
	}
	return s.unlockFileEntry(ctx, entry.ID)
}

// CancelCheckOut discards the working copy. Entries that are not checked
// out are returned unchanged.
func (s *Service) CancelCheckOut(ctx context.Context, userID, fileEntryID int64) (store.FileEntry, error) {
	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.cancelCheckOut(ctx, userID, fileEntryID)
		return err
	})
	return entry, err
}

func (s *Service) cancelCheckOut(ctx context.Context, userID, fileEntryID int64) (store.FileEntry, error) {
	entry, versions, err := s.loadEntry(ctx, fileEntryID)
	if err != nil {
		return store.FileEntry{}, err
	}
	if !isCheckedOut(versions) {
		return entry, nil
	}
	if _, err := s.lockFileEntry(ctx, userID, entry, "", 0); err != nil {
		return store.FileEntry{}, err
	}
	working, _ := latestVersion(versions, false)
	if err := s.removeFileVersion(ctx, entry, working); err != nil {
		return store.FileEntry{}, err
	}
	if entry.ManualCheckInRequired {
		entry.ManualCheckInRequired = false
		if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
			return store.FileEntry{}, err
		}
	}
	return entry, nil
}

// removeFileVersion drops a working copy row and its bytes and releases
// the entry lock.
func (s *Service) removeFileVersion(ctx context.Context, entry store.FileEntry, version store.FileVersion) error {
	if err := s.store.DeleteFileVersion(ctx, version.ID); err != nil {
		return err
	}
	s.deleteBlob(ctx, entry, PrivateWorkingCopy)
	return s.unlockFileEntry(ctx, entry.ID)
}

// isKeepFileVersionLabel reports whether checking in latest would not
// change anything observable about last.
func (s *Service) isKeepFileVersionLabel(ctx context.Context, entry store.FileEntry, last, latest store.FileVersion, action Action) bool {
	if action == ActionSaveDraft || s.opts.VersionPolicy != 1 {
		return false
	}
	if last.FolderID != latest.FolderID ||
		last.Extension != latest.Extension ||
		last.MimeType != latest.MimeType ||
		last.Title != latest.Title ||
		last.Description != latest.Description ||
		last.FileEntryTypeID != latest.FileEntryTypeID ||
		!metadataEqual(last.Metadata, latest.Metadata) {
		return false
	}
	if last.Size == 0 {
		return true
	}
	if last.Size != latest.Size {
		return false
	}

	name := blobName(entry)
	if last.Checksum == "" {
		checksum, err := blob.ChecksumOf(ctx, s.blobs, name, last.Version)
		if err != nil {
			log.Printf("dlfile: checksum version %s of entry %d: %v", last.Version, entry.ID, err)
			return false
		}
		last.Checksum = checksum
		if err := s.store.UpdateFileVersion(ctx, last); err != nil {
			log.Printf("dlfile: save checksum of version %d: %v", last.ID, err)
			return false
		}
	}

	checksum, err := blob.ChecksumOf(ctx, s.blobs, name, PrivateWorkingCopy)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			log.Printf("dlfile: checksum working copy of entry %d: %v", entry.ID, err)
		}
		return false
	}
	if checksum == last.Checksum {
		return true
	}
	latest.Checksum = checksum
	if err := s.store.UpdateFileVersion(ctx, latest); err != nil {
		log.Printf("dlfile: save checksum of version %d: %v", latest.ID, err)
	}
	return false
}

// nextVersion bumps the highest numbered version. Drafts always get a
// minor bump.
func (s *Service) nextVersion(entry store.FileEntry, versions []store.FileVersion, majorVersion bool, action Action) string {
	current := entry.Version
	if latest, ok := latestVersion(versions, true); ok {
		current = latest.Version
	}
	if action == ActionSaveDraft {
		majorVersion = false
	}
	return bumpVersion(current, majorVersion)
}
