package dlfile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"doclib/internal/blob"
	"doclib/internal/store"
)

// MoveFileEntry moves the entry and all of its versions to another folder.
func (s *Service) MoveFileEntry(ctx context.Context, userID, fileEntryID, newFolderID int64) (store.FileEntry, error) {
	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.GetFileEntry(ctx, fileEntryID)
		if err != nil {
			return err
		}
		if _, err := s.lockFileEntry(ctx, userID, entry, "", 0); err != nil {
			return err
		}
		defer s.releaseUnlessCheckedOut(ctx, entry.ID)

		if err := s.validateFile(ctx, entry.GroupID, newFolderID, entry.ID, entry.Title, entry.Extension); err != nil {
			return err
		}
		typeID, err := s.resolveFileEntryType(ctx, newFolderID, entry.FileEntryTypeID)
		if errors.Is(err, ErrInvalidFileEntryType) {
			typeID, err = s.resolveFileEntryType(ctx, newFolderID, -1)
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		entry.FolderID = newFolderID
		entry.FileEntryTypeID = typeID
		if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
			return err
		}
		versions, err := s.store.ListFileVersions(ctx, entry.ID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			v.FolderID = newFolderID
			if v.Version == entry.Version || v.Version == PrivateWorkingCopy {
				v.FileEntryTypeID = typeID
			}
			if err := s.store.UpdateFileVersion(ctx, v); err != nil {
				return err
			}
		}
		if err := s.touchFolder(ctx, newFolderID, now); err != nil {
			return err
		}
		s.reindex(entry)
		return nil
	})
	if err != nil {
		return store.FileEntry{}, err
	}
	return entry, nil
}

func (s *Service) releaseUnlessCheckedOut(ctx context.Context, fileEntryID int64) {
	checkedOut, err := s.IsFileEntryCheckedOut(ctx, fileEntryID)
	if err != nil {
		log.Printf("dlfile: check out state of entry %d: %v", fileEntryID, err)
		return
	}
	if checkedOut {
		return
	}
	if err := s.unlockFileEntry(ctx, fileEntryID); err != nil {
		log.Printf("dlfile: unlock entry %d: %v", fileEntryID, err)
	}
}

// DeleteFileEntry removes the entry with every version, its bytes, its
// index document and its activity counters.
func (s *Service) DeleteFileEntry(ctx context.Context, userID, fileEntryID int64) error {
	entry, err := s.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		return err
	}
	if _, err := s.lockFileEntry(ctx, userID, entry, "", 0); err != nil {
		return err
	}
	defer func() {
		if err := s.unlockFileEntry(ctx, entry.ID); err != nil {
			log.Printf("dlfile: unlock entry %d: %v", entry.ID, err)
		}
	}()
	return s.store.ExecTx(ctx, func(ctx context.Context) error {
		return s.deleteFileEntry(ctx, entry)
	})
}

func (s *Service) deleteFileEntry(ctx context.Context, entry store.FileEntry) error {
	// Counters are removed first; the asset owner is read from the entry row.
	if s.activities != nil {
		if err := s.activities.DeleteActivityCounters(ctx, store.ClassFileEntry, entry.ID); err != nil {
			return fmt.Errorf("delete activity counters of entry %d: %w", entry.ID, err)
		}
	}
	if err := s.store.DeleteTrashEntry(ctx, entry.ID); err != nil {
		return err
	}
	if err := s.store.DeleteFileEntry(ctx, entry.ID); err != nil {
		return err
	}
	if err := s.unlockFileEntry(ctx, entry.ID); err != nil {
		log.Printf("dlfile: unlock deleted entry %d: %v", entry.ID, err)
	}
	if err := s.blobs.DeleteAll(ctx, blobName(entry)); err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Printf("dlfile: delete blobs of entry %d: %v", entry.ID, err)
	}
	s.unindex(entry.ID)
	return nil
}

// DeleteFileEntries deletes the folder's entries a page at a time. Entries
// whose latest version is in the trash are skipped unless includeTrashed.
func (s *Service) DeleteFileEntries(ctx context.Context, groupID, folderID int64, includeTrashed bool) (int, error) {
	deleted, skipped := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		entries, err := s.store.ListFileEntries(ctx, groupID, folderID, skipped, deletePageSize)
		if err != nil {
			return deleted, err
		}
		if len(entries) == 0 {
			return deleted, nil
		}
		for _, entry := range entries {
			if !includeTrashed {
				trashed, err := s.inTrash(ctx, entry.ID)
				if err != nil {
					return deleted, err
				}
				if trashed {
					skipped++
					continue
				}
			}
			if err := s.store.ExecTx(ctx, func(ctx context.Context) error {
				return s.deleteFileEntry(ctx, entry)
			}); err != nil {
				return deleted, fmt.Errorf("delete entry %d: %w", entry.ID, err)
			}
			deleted++
		}
	}
}

func (s *Service) inTrash(ctx context.Context, fileEntryID int64) (bool, error) {
	versions, err := s.store.ListFileVersions(ctx, fileEntryID)
	if err != nil {
		return false, err
	}
	latest, ok := latestVersion(versions, true)
	return ok && latest.Status == store.StatusInTrash, nil
}

// DeleteFileVersion removes one approved version. The entry falls back to
// the latest remaining version when its current one goes.
func (s *Service) DeleteFileVersion(ctx context.Context, userID, fileEntryID int64, label string) error {
	if label == "" || label == PrivateWorkingCopy {
		return fmt.Errorf("%w: %q", ErrInvalidFileVersion, label)
	}
	entry, err := s.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		return err
	}
	if _, err := s.lockFileEntry(ctx, userID, entry, "", 0); err != nil {
		return err
	}
	defer func() {
		if err := s.unlockFileEntry(ctx, entry.ID); err != nil {
			log.Printf("dlfile: unlock entry %d: %v", entry.ID, err)
		}
	}()

	return s.store.ExecTx(ctx, func(ctx context.Context) error {
		versions, err := s.store.ListFileVersions(ctx, entry.ID)
		if err != nil {
			return err
		}
		version, ok := findVersion(versions, label)
		if !ok {
			return fmt.Errorf("%w: entry %d version %s", ErrNoSuchFileVersion, entry.ID, label)
		}
		if !version.IsApproved() {
			return fmt.Errorf("%w: version %s is %s", ErrVersionNotApproved, label, version.Status)
		}
		if countApproved(versions) <= 1 {
			return fmt.Errorf("%w: entry %d", ErrOnlyApprovedVersion, entry.ID)
		}
		if err := s.store.DeleteFileVersion(ctx, version.ID); err != nil {
			return err
		}
		s.deleteBlob(ctx, entry, label)

		if label != entry.Version {
			return nil
		}
		remaining := versions[:0:0]
		for _, v := range versions {
			if v.ID != version.ID {
				remaining = append(remaining, v)
			}
		}
		latest, ok := latestVersion(remaining, true)
		if !ok {
			return nil
		}
		applyVersion(&entry, latest)
		return s.store.UpdateFileEntry(ctx, entry)
	})
}

// RevertFileEntry publishes the content and fields of an older approved
// version as a new major version.
func (s *Service) RevertFileEntry(ctx context.Context, userID, fileEntryID int64, label string) (store.FileEntry, error) {
	if label == "" || label == PrivateWorkingCopy {
		return store.FileEntry{}, fmt.Errorf("%w: %q", ErrInvalidFileVersion, label)
	}

	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		versions, err := s.store.ListFileVersions(ctx, fileEntryID)
		if err != nil {
			return err
		}
		old, ok := findVersion(versions, label)
		if !ok {
			return fmt.Errorf("%w: entry %d version %s", ErrNoSuchFileVersion, fileEntryID, label)
		}
		if !old.IsApproved() {
			return fmt.Errorf("%w: cannot revert to unapproved version %s", ErrInvalidFileVersion, label)
		}
		if latest, _ := latestVersion(versions, false); latest.Version == label {
			return fmt.Errorf("%w: cannot revert to the latest version %s", ErrInvalidFileVersion, label)
		}

		current, err := s.GetFileEntry(ctx, fileEntryID)
		if err != nil {
			return err
		}
		content, err := s.blobs.Get(ctx, blobName(current), label)
		if err != nil {
			return fmt.Errorf("open version %s of entry %d: %w", label, fileEntryID, err)
		}
		defer content.Close()

		sourceFileName := old.Title
		if old.Extension != "" && !strings.HasSuffix(strings.ToLower(old.Title), "."+old.Extension) {
			sourceFileName += "." + old.Extension
		}
		entry, err = s.updateFileEntry(ctx, UpdateFileEntryInput{
			UserID:          userID,
			FileEntryID:     fileEntryID,
			SourceFileName:  sourceFileName,
			MimeType:        old.MimeType,
			Title:           old.Title,
			Description:     old.Description,
			ChangeLog:       "Reverted to " + label,
			MajorVersion:    true,
			FileEntryTypeID: old.FileEntryTypeID,
			Metadata:        old.Metadata,
			Content:         content,
			Size:            old.Size,
			Action:          ActionPublish,
		})
		if err != nil {
			return err
		}

		versions, err = s.store.ListFileVersions(ctx, fileEntryID)
		if err != nil {
			return err
		}
		reverted, ok := findVersion(versions, entry.Version)
		if ok && !metadataEqual(reverted.Metadata, old.Metadata) {
			reverted.Metadata = copyMetadata(old.Metadata)
			return s.store.UpdateFileVersion(ctx, reverted)
		}
		return nil
	})
	if err != nil {
		return store.FileEntry{}, err
	}
	return entry, nil
}
