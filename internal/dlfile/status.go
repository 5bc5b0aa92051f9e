package dlfile

import (
	"context"
	"fmt"
	"log"

	"doclib/internal/store"
)

// UpdateStatus moves a version through the workflow and keeps the entry's
// current version, the trash bookkeeping and the search index in step.
func (s *Service) UpdateStatus(ctx context.Context, userID, fileVersionID int64, status store.Status) (store.FileEntry, error) {
	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.updateStatus(ctx, userID, fileVersionID, status, nil)
		return err
	})
	return entry, err
}

// updateStatus applies status to the version. trashVersions, when leaving
// the trash, are the saved statuses to restore; nil loads them from the
// trash entry.
func (s *Service) updateStatus(ctx context.Context, userID, fileVersionID int64, status store.Status, trashVersions []store.TrashVersion) (store.FileEntry, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return store.FileEntry{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	version, err := s.store.GetFileVersion(ctx, fileVersionID)
	if err != nil {
		return store.FileEntry{}, fmt.Errorf("get file version %d: %w", fileVersionID, err)
	}

	now := s.now().UTC()
	oldStatus := version.Status
	version.Status = status
	version.StatusByUserID = user.ID
	version.StatusByUserName = user.Name
	version.StatusDate = &now
	if err := s.store.UpdateFileVersion(ctx, version); err != nil {
		return store.FileEntry{}, err
	}

	entry, err := s.GetFileEntry(ctx, version.FileEntryID)
	if err != nil {
		return store.FileEntry{}, err
	}

	if status == store.StatusApproved {
		if compareVersions(entry.Version, version.Version) <= 0 {
			applyVersion(&entry, version)
			if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
				return store.FileEntry{}, err
			}
		}
	} else {
		if status != store.StatusInTrash && entry.Version == version.Version {
			versions, err := s.store.ListFileVersions(ctx, entry.ID)
			if err != nil {
				return store.FileEntry{}, err
			}
			entry.Version = highestApproved(versions)
			if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
				return store.FileEntry{}, err
			}
		}
		if version.Version == VersionDefault {
			s.unindex(entry.ID)
		}
	}

	switch {
	case oldStatus == store.StatusInTrash && status != store.StatusInTrash:
		if err := s.leaveTrash(ctx, entry, version, trashVersions); err != nil {
			return store.FileEntry{}, err
		}
	case status == store.StatusInTrash && oldStatus != store.StatusInTrash:
		if err := s.enterTrash(ctx, user.ID, entry, version, oldStatus); err != nil {
			return store.FileEntry{}, err
		}
	}

	if status == store.StatusApproved {
		activityType := ActivityUpdateFileEntry
		if version.Version == VersionDefault {
			activityType = ActivityAddFileEntry
		}
		s.emit(entry, userID, activityType)
	}
	switch {
	case status == store.StatusInTrash:
		s.unindex(entry.ID)
	case status == store.StatusApproved || oldStatus == store.StatusInTrash:
		s.reindex(entry)
	}
	return entry, nil
}

func (s *Service) enterTrash(ctx context.Context, userID int64, entry store.FileEntry, trashed store.FileVersion, oldStatus store.Status) error {
	versions, err := s.store.ListFileVersions(ctx, entry.ID)
	if err != nil {
		return err
	}
	trash := store.TrashEntry{
		GroupID:     entry.GroupID,
		FileEntryID: entry.ID,
		UserID:      userID,
		Status:      oldStatus,
	}
	for _, v := range versions {
		saved := v.Status
		if v.ID == trashed.ID {
			saved = oldStatus
		}
		if saved == store.StatusPending {
			saved = store.StatusDraft
		}
		trash.Versions = append(trash.Versions, store.TrashVersion{FileVersionID: v.ID, Status: saved})
		if v.ID != trashed.ID && v.Status != store.StatusInTrash {
			v.Status = store.StatusInTrash
			if err := s.store.UpdateFileVersion(ctx, v); err != nil {
				return err
			}
		}
	}
	if trash.Status == store.StatusPending {
		trash.Status = store.StatusDraft
	}
	return s.store.InsertTrashEntry(ctx, &trash)
}

func (s *Service) leaveTrash(ctx context.Context, entry store.FileEntry, restored store.FileVersion, trashVersions []store.TrashVersion) error {
	if trashVersions == nil {
		trash, err := s.store.FetchTrashEntry(ctx, entry.ID)
		if err != nil {
			return err
		}
		if trash != nil {
			trashVersions = trash.Versions
		}
	}
	for _, saved := range trashVersions {
		if saved.FileVersionID == restored.ID {
			continue
		}
		v, err := s.store.GetFileVersion(ctx, saved.FileVersionID)
		if err != nil {
			log.Printf("dlfile: restore status of version %d: %v", saved.FileVersionID, err)
			continue
		}
		v.Status = saved.Status
		if err := s.store.UpdateFileVersion(ctx, v); err != nil {
			return err
		}
	}
	return s.store.DeleteTrashEntry(ctx, entry.ID)
}

// MoveToTrash trashes the entry's latest version, discarding any working
// copy first.
func (s *Service) MoveToTrash(ctx context.Context, userID, fileEntryID int64) (store.FileEntry, error) {
	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		if _, err := s.cancelCheckOut(ctx, userID, fileEntryID); err != nil {
			return err
		}
		versions, err := s.store.ListFileVersions(ctx, fileEntryID)
		if err != nil {
			return err
		}
		latest, ok := latestVersion(versions, true)
		if !ok {
			return fmt.Errorf("%w: entry %d has no versions", ErrNoSuchFileVersion, fileEntryID)
		}
		entry, err = s.updateStatus(ctx, userID, latest.ID, store.StatusInTrash, nil)
		return err
	})
	if err != nil {
		return store.FileEntry{}, err
	}
	if s.activities != nil {
		if err := s.activities.DisableActivityCounters(ctx, store.ClassFileEntry, fileEntryID); err != nil {
			log.Printf("dlfile: disable activity counters of entry %d: %v", fileEntryID, err)
		}
	}
	return entry, nil
}

// RestoreFromTrash puts the saved statuses back on every version.
func (s *Service) RestoreFromTrash(ctx context.Context, userID, fileEntryID int64) (store.FileEntry, error) {
	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		trash, err := s.store.FetchTrashEntry(ctx, fileEntryID)
		if err != nil {
			return err
		}
		if trash == nil {
			return fmt.Errorf("%w: entry %d is not in the trash", ErrNoSuchFileEntry, fileEntryID)
		}
		versions, err := s.store.ListFileVersions(ctx, fileEntryID)
		if err != nil {
			return err
		}
		latest, ok := latestVersion(versions, true)
		if !ok {
			return fmt.Errorf("%w: entry %d has no versions", ErrNoSuchFileVersion, fileEntryID)
		}
		status := trash.Status
		for _, saved := range trash.Versions {
			if saved.FileVersionID == latest.ID {
				status = saved.Status
			}
		}
		entry, err = s.updateStatus(ctx, userID, latest.ID, status, trash.Versions)
		return err
	})
	if err != nil {
		return store.FileEntry{}, err
	}
	if s.activities != nil {
		if err := s.activities.EnableActivityCounters(ctx, store.ClassFileEntry, fileEntryID); err != nil {
			log.Printf("dlfile: enable activity counters of entry %d: %v", fileEntryID, err)
		}
	}
	return entry, nil
}

func applyVersion(entry *store.FileEntry, version store.FileVersion) {
	entry.Extension = version.Extension
	entry.MimeType = version.MimeType
	entry.Title = version.Title
	entry.Description = version.Description
	entry.FileEntryTypeID = version.FileEntryTypeID
	entry.Version = version.Version
	entry.VersionUserID = version.UserID
	entry.VersionUserName = version.UserName
	entry.ModifiedAt = version.CreatedAt
	entry.Size = version.Size
}

func highestApproved(versions []store.FileVersion) string {
	current := VersionDefault
	found := false
	for _, v := range versions {
		if !v.IsApproved() || v.Version == PrivateWorkingCopy {
			continue
		}
		if !found || compareVersions(v.Version, current) > 0 {
			current = v.Version
			found = true
		}
	}
	return current
}
