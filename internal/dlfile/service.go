// Package dlfile implements the document library file entry lifecycle:
// versioned uploads, check-out/check-in with a private working copy,
// advisory locking, workflow status and trash.
package dlfile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"strconv"
	"strings"
	"time"

	"doclib/internal/blob"
	"doclib/internal/lock"
	"doclib/internal/social"
	"doclib/internal/store"
	"doclib/internal/util"
	"doclib/internal/workflow"
)

// Social activity types emitted for file entries.
const (
	ActivityAddFileEntry    = 1
	ActivityUpdateFileEntry = 2
	ActivityViewFileEntry   = 3
)

const deletePageSize = 100

type dataStore interface {
	ExecTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetUser(ctx context.Context, id int64) (store.User, error)

	InsertFolder(ctx context.Context, folder *store.Folder) error
	GetFolder(ctx context.Context, id int64) (store.Folder, error)
	FetchFolderByName(ctx context.Context, groupID, parentID int64, name string) (*store.Folder, error)
	TouchFolder(ctx context.Context, id int64, at time.Time) error
	SetFolderFileEntryTypes(ctx context.Context, folderID int64, typeIDs []int64) error
	ListFolderFileEntryTypes(ctx context.Context, folderID int64) ([]int64, error)

	InsertFileEntry(ctx context.Context, entry *store.FileEntry) error
	UpdateFileEntry(ctx context.Context, entry store.FileEntry) error
	GetFileEntry(ctx context.Context, id int64) (store.FileEntry, error)
	FetchFileEntryByTitle(ctx context.Context, groupID, folderID int64, title string) (*store.FileEntry, error)
	ListFileEntries(ctx context.Context, groupID, folderID int64, offset, limit int) ([]store.FileEntry, error)
	DeleteFileEntry(ctx context.Context, id int64) error
	IncrementReadCount(ctx context.Context, id, increment int64) error

	InsertFileVersion(ctx context.Context, version *store.FileVersion) error
	UpdateFileVersion(ctx context.Context, version store.FileVersion) error
	DeleteFileVersion(ctx context.Context, id int64) error
	GetFileVersion(ctx context.Context, id int64) (store.FileVersion, error)
	ListFileVersions(ctx context.Context, fileEntryID int64) ([]store.FileVersion, error)
	ListFileVersionsByTitle(ctx context.Context, groupID, folderID int64, title, version string) ([]store.FileVersion, error)

	InsertTrashEntry(ctx context.Context, entry *store.TrashEntry) error
	FetchTrashEntry(ctx context.Context, fileEntryID int64) (*store.TrashEntry, error)
	DeleteTrashEntry(ctx context.Context, fileEntryID int64) error
}

type lockService interface {
	Lock(ctx context.Context, userID int64, className, key, owner string, inheritable bool, ttl time.Duration) (lock.Lock, error)
	Get(ctx context.Context, className, key string) (lock.Lock, error)
	HasLock(ctx context.Context, userID int64, className, key string) (bool, error)
	Unlock(ctx context.Context, className, key string) error
}

type indexer interface {
	IndexFileEntry(entry store.FileEntry)
	DeleteFileEntry(fileEntryID int64)
}

type activityRecorder interface {
	Enqueue(activity social.Activity) bool
	DisableActivityCounters(ctx context.Context, className string, classPK int64) error
	EnableActivityCounters(ctx context.Context, className string, classPK int64) error
	DeleteActivityCounters(ctx context.Context, className string, classPK int64) error
}

type Options struct {
	// LockTTL is the longest expiration a file entry lock may have.
	LockTTL time.Duration
	// VersionPolicy 1 lets an unchanged check-in keep its version label.
	VersionPolicy    int
	ReadCountEnabled bool
}

type Service struct {
	store      dataStore
	blobs      blob.Store
	locks      lockService
	workflow   workflow.Engine
	index      indexer
	activities activityRecorder
	opts       Options
	now        func() time.Time
}

func New(dataStore dataStore, blobs blob.Store, locks lockService, engine workflow.Engine, opts Options) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 24 * time.Hour
	}
	if engine == nil {
		engine = workflow.AutoApprove{}
	}
	return &Service{
		store:    dataStore,
		blobs:    blobs,
		locks:    locks,
		workflow: engine,
		opts:     opts,
		now:      time.Now,
	}
}

// WithIndexer registers the search index kept in sync with entries.
func (s *Service) WithIndexer(idx indexer) *Service {
	s.index = idx
	return s
}

// WithActivities registers the social activity sink.
func (s *Service) WithActivities(activities activityRecorder) *Service {
	s.activities = activities
	return s
}

type AddFileEntryInput struct {
	UserID          int64
	GroupID         int64
	FolderID        int64
	SourceFileName  string
	MimeType        string
	Title           string
	Description     string
	ChangeLog       string
	FileEntryTypeID int64
	Metadata        map[string]string
	Content         io.Reader
	Size            int64
	Action          Action
}

func (s *Service) AddFileEntry(ctx context.Context, in AddFileEntryInput) (store.FileEntry, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		if in.Size == 0 {
			return store.FileEntry{}, ErrFileName
		}
		title = strings.TrimSpace(in.SourceFileName)
	}
	if title == "" {
		return store.FileEntry{}, ErrFileName
	}

	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		user, err := s.store.GetUser(ctx, in.UserID)
		if err != nil {
			return fmt.Errorf("load user %d: %w", in.UserID, err)
		}
		typeID, err := s.resolveFileEntryType(ctx, in.FolderID, in.FileEntryTypeID)
		if err != nil {
			return err
		}
		extension := extensionOf(title, in.SourceFileName)
		if err := s.validateFile(ctx, in.GroupID, in.FolderID, 0, title, extension); err != nil {
			return err
		}

		now := s.now().UTC()
		entry = store.FileEntry{
			GroupID:         in.GroupID,
			FolderID:        in.FolderID,
			UserID:          user.ID,
			UserName:        user.Name,
			VersionUserID:   user.ID,
			VersionUserName: user.Name,
			Name:            util.NewID(""),
			Extension:       extension,
			MimeType:        mimeTypeOf(in.MimeType, extension),
			Title:           title,
			Description:     in.Description,
			FileEntryTypeID: typeID,
			Version:         VersionDefault,
			Size:            in.Size,
			CreatedAt:       now,
			ModifiedAt:      now,
		}
		if err := s.store.InsertFileEntry(ctx, &entry); err != nil {
			return err
		}

		content := in.Content
		if content == nil {
			content = strings.NewReader("")
		}
		size, checksum, err := s.putContent(ctx, entry, VersionDefault, content, in.Size)
		if err != nil {
			return err
		}
		if entry.Size != size {
			entry.Size = size
			if err := s.store.UpdateFileEntry(ctx, entry); err != nil {
				return err
			}
		}

		version := store.FileVersion{
			GroupID:          entry.GroupID,
			FolderID:         entry.FolderID,
			FileEntryID:      entry.ID,
			UserID:           user.ID,
			UserName:         user.Name,
			Extension:        entry.Extension,
			MimeType:         entry.MimeType,
			Title:            entry.Title,
			Description:      entry.Description,
			ChangeLog:        in.ChangeLog,
			FileEntryTypeID:  typeID,
			Version:          VersionDefault,
			Size:             size,
			Checksum:         checksum,
			Status:           store.StatusDraft,
			StatusByUserID:   user.ID,
			StatusByUserName: user.Name,
			StatusDate:       &now,
			Metadata:         copyMetadata(in.Metadata),
			CreatedAt:        now,
			ModifiedAt:       now,
		}
		if err := s.store.InsertFileVersion(ctx, &version); err != nil {
			return err
		}
		if err := s.touchFolder(ctx, entry.FolderID, now); err != nil {
			return err
		}

		if in.Action == ActionPublish {
			if err := s.startWorkflow(ctx, user.ID, entry, version, workflow.EventAdd); err != nil {
				return err
			}
		}
		entry, err = s.store.GetFileEntry(ctx, entry.ID)
		return err
	})
	if err != nil {
		if entry.Name != "" {
			if delErr := s.blobs.DeleteAll(ctx, blobName(entry)); delErr != nil && !errors.Is(delErr, blob.ErrNotFound) {
				log.Printf("dlfile: cleanup blobs of failed upload %s: %v", entry.Name, delErr)
			}
		}
		return store.FileEntry{}, err
	}
	return entry, nil
}

type UpdateFileEntryInput struct {
	UserID         int64
	FileEntryID    int64
	SourceFileName string
	MimeType       string
	Title          string
	Description    string
	ChangeLog      string
	MajorVersion   bool
	// FileEntryTypeID below zero keeps the current type.
	FileEntryTypeID int64
	// Metadata nil keeps the working version's metadata.
	Metadata map[string]string
	// Content nil keeps the stored bytes.
	Content io.Reader
	Size    int64
	Action  Action
}

func (s *Service) UpdateFileEntry(ctx context.Context, in UpdateFileEntryInput) (store.FileEntry, error) {
	var entry store.FileEntry
	err := s.store.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.updateFileEntry(ctx, in)
		return err
	})
	return entry, err
}

func (s *Service) updateFileEntry(ctx context.Context, in UpdateFileEntryInput) (entry store.FileEntry, err error) {
	user, err := s.store.GetUser(ctx, in.UserID)
	if err != nil {
		return store.FileEntry{}, fmt.Errorf("load user %d: %w", in.UserID, err)
	}
	entry, versions, err := s.loadEntry(ctx, in.FileEntryID)
	if err != nil {
		return store.FileEntry{}, err
	}

	checkedOut := isCheckedOut(versions)
	working, ok := latestVersion(versions, !checkedOut)
	if !ok {
		return store.FileEntry{}, fmt.Errorf("%w: entry %d has no versions", ErrNoSuchFileVersion, entry.ID)
	}
	autoCheckIn := !checkedOut && working.IsApproved()

	if autoCheckIn {
		if _, err := s.checkOut(ctx, user.ID, entry.ID, CheckOutOptions{}); err != nil {
			return store.FileEntry{}, err
		}
	} else if !checkedOut {
		if _, err := s.lockFileEntry(ctx, user.ID, entry, "", 0); err != nil {
			return store.FileEntry{}, err
		}
	}

	defer func() {
		// The transaction rollback drops the working copy row; its blob and
		// the lock live outside it.
		if err != nil && autoCheckIn {
			s.deleteBlob(ctx, entry, PrivateWorkingCopy)
		}
		if (err != nil && autoCheckIn) || (!autoCheckIn && !checkedOut) {
			if unlockErr := s.unlockFileEntry(ctx, entry.ID); unlockErr != nil {
				log.Printf("dlfile: unlock entry %d: %v", entry.ID, unlockErr)
			}
		}
	}()

	hasLock, err := s.hasFileEntryLock(ctx, user.ID, entry)
	if err != nil {
		return store.FileEntry{}, err
	}
	if !hasLock {
		if _, err := s.lockFileEntry(ctx, user.ID, entry, "", 0); err != nil {
			return store.FileEntry{}, err
		}
	}

	if checkedOut || autoCheckIn {
		versions, err = s.store.ListFileVersions(ctx, entry.ID)
		if err != nil {
			return store.FileEntry{}, err
		}
		working, ok = latestVersion(versions, false)
		if !ok {
			return store.FileEntry{}, fmt.Errorf("%w: entry %d has no working copy", ErrNoSuchFileVersion, entry.ID)
		}
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSpace(in.SourceFileName)
		if title == "" {
			title = entry.Title
		}
	}
	// Extension and mime type only follow a newly uploaded file.
	extension := firstNonEmpty(working.Extension, entry.Extension)
	mimeType := firstNonEmpty(working.MimeType, entry.MimeType)
	if in.SourceFileName != "" {
		if ext := extensionOf(title, in.SourceFileName); ext != "" {
			extension = ext
		}
		mimeType = mimeTypeOf(in.MimeType, extension)
	}
	typeID := in.FileEntryTypeID
	if typeID < 0 {
		typeID = working.FileEntryTypeID
	} else if typeID, err = s.resolveFileEntryType(ctx, entry.FolderID, typeID); err != nil {
		return store.FileEntry{}, err
	}
	if err := s.validateFile(ctx, entry.GroupID, entry.FolderID, entry.ID, title, extension); err != nil {
		return store.FileEntry{}, err
	}

	size := working.Size
	if in.Content != nil {
		written, checksum, err := s.putContent(ctx, entry, working.Version, in.Content, in.Size)
		if err != nil {
			return store.FileEntry{}, err
		}
		size = written
		working.Checksum = checksum
	}

	now := s.now().UTC()
	working.UserID = user.ID
	working.UserName = user.Name
	working.Extension = extension
	working.MimeType = mimeType
	working.Title = title
	working.Description = in.Description
	working.ChangeLog = in.ChangeLog
	working.FileEntryTypeID = typeID
	working.Size = size
	working.ModifiedAt = now
	if in.Metadata != nil {
		working.Metadata = copyMetadata(in.Metadata)
	}
	if err := s.store.UpdateFileVersion(ctx, working); err != nil {
		return store.FileEntry{}, err
	}

	if autoCheckIn {
		if err := s.checkIn(ctx, user.ID, entry.ID, in.MajorVersion, in.ChangeLog, CheckInOptions{Action: in.Action}); err != nil {
			return store.FileEntry{}, err
		}
	} else if !checkedOut && in.Action == ActionPublish {
		event := workflow.EventUpdate
		if working.Version == VersionDefault {
			event = workflow.EventAdd
		}
		if err := s.startWorkflow(ctx, user.ID, entry, working, event); err != nil {
			return store.FileEntry{}, err
		}
	}

	return s.store.GetFileEntry(ctx, entry.ID)
}

func (s *Service) GetFileEntry(ctx context.Context, id int64) (store.FileEntry, error) {
	entry, err := s.store.GetFileEntry(ctx, id)
	if err != nil {
		return store.FileEntry{}, fmt.Errorf("get file entry %d: %w", id, err)
	}
	return entry, nil
}

// GetFileEntryByTitle falls back to working copies with that title whose
// entry the caller has locked.
func (s *Service) GetFileEntryByTitle(ctx context.Context, userID, groupID, folderID int64, title string) (store.FileEntry, error) {
	entry, err := s.store.FetchFileEntryByTitle(ctx, groupID, folderID, title)
	if err != nil {
		return store.FileEntry{}, err
	}
	if entry != nil {
		return *entry, nil
	}

	copies, err := s.store.ListFileVersionsByTitle(ctx, groupID, folderID, title, PrivateWorkingCopy)
	if err != nil {
		return store.FileEntry{}, err
	}
	for _, working := range copies {
		locked, err := s.locks.HasLock(ctx, userID, store.ClassFileEntry, entryKey(working.FileEntryID))
		if err != nil {
			return store.FileEntry{}, err
		}
		if locked {
			return s.GetFileEntry(ctx, working.FileEntryID)
		}
	}
	return store.FileEntry{}, fmt.Errorf("%w: group %d folder %d title %q", ErrNoSuchFileEntry, groupID, folderID, title)
}

func (s *Service) ListFileEntries(ctx context.Context, groupID, folderID int64, offset, limit int) ([]store.FileEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListFileEntries(ctx, groupID, folderID, offset, limit)
}

func (s *Service) ListFileVersions(ctx context.Context, fileEntryID int64) ([]store.FileVersion, error) {
	if _, err := s.GetFileEntry(ctx, fileEntryID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListFileVersions(ctx, fileEntryID)
	if err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

// History lists the commits recorded for the entry's bytes, newest first.
func (s *Service) History(ctx context.Context, fileEntryID int64, limit int) ([]blob.Revision, error) {
	historian, ok := s.blobs.(blob.Historian)
	if !ok {
		return nil, ErrHistoryUnavailable
	}
	entry, err := s.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		return nil, err
	}
	return historian.History(ctx, blobName(entry), limit)
}

func (s *Service) IsFileEntryCheckedOut(ctx context.Context, fileEntryID int64) (bool, error) {
	versions, err := s.store.ListFileVersions(ctx, fileEntryID)
	if err != nil {
		return false, err
	}
	return isCheckedOut(versions), nil
}

// GetFileAsStream opens the bytes of a version; an empty version means the
// entry's current one.
func (s *Service) GetFileAsStream(ctx context.Context, userID, fileEntryID int64, version string, incrementCounter bool) (io.ReadCloser, error) {
	entry, err := s.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = entry.Version
	}
	rc, err := s.blobs.Get(ctx, blobName(entry), version)
	if err != nil {
		return nil, fmt.Errorf("open version %s of entry %d: %w", version, entry.ID, err)
	}

	if incrementCounter {
		if err := s.IncrementViewCounter(ctx, entry.ID, 1); err != nil {
			log.Printf("dlfile: increment view counter of entry %d: %v", entry.ID, err)
		}
		s.emit(entry, userID, ActivityViewFileEntry)
	}
	return rc, nil
}

func (s *Service) IncrementViewCounter(ctx context.Context, fileEntryID, increment int64) error {
	if !s.opts.ReadCountEnabled || increment == 0 {
		return nil
	}
	return s.store.IncrementReadCount(ctx, fileEntryID, increment)
}

func (s *Service) loadEntry(ctx context.Context, id int64) (store.FileEntry, []store.FileVersion, error) {
	entry, err := s.GetFileEntry(ctx, id)
	if err != nil {
		return store.FileEntry{}, nil, err
	}
	versions, err := s.store.ListFileVersions(ctx, id)
	if err != nil {
		return store.FileEntry{}, nil, err
	}
	return entry, versions, nil
}

func (s *Service) putContent(ctx context.Context, entry store.FileEntry, version string, content io.Reader, size int64) (int64, string, error) {
	digest := blob.NewDigester()
	if err := s.blobs.Put(ctx, blobName(entry), version, io.TeeReader(content, digest), size); err != nil {
		return 0, "", fmt.Errorf("store version %s of entry %d: %w", version, entry.ID, err)
	}
	return digest.Size(), digest.Checksum(), nil
}

func (s *Service) deleteBlob(ctx context.Context, entry store.FileEntry, version string) {
	err := s.blobs.Delete(ctx, blobName(entry), version)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Printf("dlfile: delete version %s of entry %d: %v", version, entry.ID, err)
	}
}

// validateFile rejects titles containing a slash, titles taken by a
// folder, and titles already used by another entry in the folder (also in
// their "title.ext" form).
func (s *Service) validateFile(ctx context.Context, groupID, folderID, fileEntryID int64, title, extension string) error {
	if strings.Contains(title, "/") {
		return fmt.Errorf("%w: title %q contains a slash", ErrFileName, title)
	}

	folder, err := s.store.FetchFolderByName(ctx, groupID, folderID, title)
	if err != nil {
		return err
	}
	if folder != nil {
		return fmt.Errorf("%w: %q", ErrDuplicateFolderName, title)
	}

	candidates := []string{title}
	if extension != "" && !strings.HasSuffix(strings.ToLower(title), "."+extension) {
		candidates = append(candidates, title+"."+extension)
	}
	for _, candidate := range candidates {
		existing, err := s.store.FetchFileEntryByTitle(ctx, groupID, folderID, candidate)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != fileEntryID {
			return fmt.Errorf("%w: %q", ErrDuplicateFile, candidate)
		}
	}
	return nil
}

// resolveFileEntryType returns the type to use in the folder. A negative
// type selects the folder default. Folders without a restriction inherit
// from their parent; the root accepts any type.
func (s *Service) resolveFileEntryType(ctx context.Context, folderID, typeID int64) (int64, error) {
	allowed, err := s.allowedFileEntryTypes(ctx, folderID)
	if err != nil {
		return 0, err
	}
	if typeID < 0 {
		if len(allowed) > 0 {
			return allowed[0], nil
		}
		return 0, nil
	}
	if len(allowed) == 0 {
		return typeID, nil
	}
	for _, id := range allowed {
		if id == typeID {
			return typeID, nil
		}
	}
	return 0, fmt.Errorf("%w: type %d in folder %d", ErrInvalidFileEntryType, typeID, folderID)
}

func (s *Service) allowedFileEntryTypes(ctx context.Context, folderID int64) ([]int64, error) {
	for folderID != 0 {
		types, err := s.store.ListFolderFileEntryTypes(ctx, folderID)
		if err != nil {
			return nil, err
		}
		if len(types) > 0 {
			return types, nil
		}
		folder, err := s.store.GetFolder(ctx, folderID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load folder %d: %w", folderID, err)
		}
		folderID = folder.ParentID
	}
	return nil, nil
}

func (s *Service) touchFolder(ctx context.Context, folderID int64, at time.Time) error {
	if folderID == 0 {
		return nil
	}
	return s.store.TouchFolder(ctx, folderID, at)
}

func (s *Service) startWorkflow(ctx context.Context, userID int64, entry store.FileEntry, version store.FileVersion, event string) error {
	return s.workflow.Start(ctx, workflow.Instance{
		UserID:        userID,
		GroupID:       entry.GroupID,
		FileEntryID:   entry.ID,
		FileVersionID: version.ID,
		Event:         event,
	}, s)
}

func (s *Service) reindex(entry store.FileEntry) {
	if s.index != nil {
		s.index.IndexFileEntry(entry)
	}
}

func (s *Service) unindex(fileEntryID int64) {
	if s.index != nil {
		s.index.DeleteFileEntry(fileEntryID)
	}
}

func (s *Service) emit(entry store.FileEntry, userID int64, activityType int) {
	if s.activities == nil {
		return
	}
	s.activities.Enqueue(social.Activity{
		GroupID:   entry.GroupID,
		UserID:    userID,
		ClassName: store.ClassFileEntry,
		ClassPK:   entry.ID,
		Type:      activityType,
		CreatedAt: s.now().UTC(),
	})
}

func blobName(entry store.FileEntry) string {
	return strconv.FormatInt(entry.GroupID, 10) + "/" + entry.Name
}

func entryKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func mimeTypeOf(explicit, extension string) string {
	if explicit != "" {
		return explicit
	}
	if extension != "" {
		if detected := mime.TypeByExtension("." + extension); detected != "" {
			return detected
		}
	}
	return "application/octet-stream"
}
