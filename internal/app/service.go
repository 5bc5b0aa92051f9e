package app

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"doclib/internal/auth"
	"doclib/internal/blob"
	"doclib/internal/config"
	"doclib/internal/dlfile"
	"doclib/internal/lock"
	"doclib/internal/search"
	"doclib/internal/social"
	"doclib/internal/store"
	"doclib/internal/util"
)

type Session struct {
	Token     string
	UserID    int64
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type userStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	Ping(ctx context.Context) error
}

// library is the document library surface served over HTTP.
type library interface {
	AddFolder(ctx context.Context, in dlfile.AddFolderInput) (store.Folder, error)
	LockFolder(ctx context.Context, userID, folderID int64, owner string, inheritable bool, expiration time.Duration) (lock.Lock, error)
	UnlockFolder(ctx context.Context, folderID int64, lockUUID string) error

	AddFileEntry(ctx context.Context, in dlfile.AddFileEntryInput) (store.FileEntry, error)
	UpdateFileEntry(ctx context.Context, in dlfile.UpdateFileEntryInput) (store.FileEntry, error)
	GetFileEntry(ctx context.Context, id int64) (store.FileEntry, error)
	GetFileEntryByTitle(ctx context.Context, userID, groupID, folderID int64, title string) (store.FileEntry, error)
	ListFileEntries(ctx context.Context, groupID, folderID int64, offset, limit int) ([]store.FileEntry, error)
	ListFileVersions(ctx context.Context, fileEntryID int64) ([]store.FileVersion, error)
	History(ctx context.Context, fileEntryID int64, limit int) ([]blob.Revision, error)
	GetFileAsStream(ctx context.Context, userID, fileEntryID int64, version string, incrementCounter bool) (io.ReadCloser, error)
	DeleteFileEntry(ctx context.Context, userID, fileEntryID int64) error
	DeleteFileVersion(ctx context.Context, userID, fileEntryID int64, label string) error

	CheckOut(ctx context.Context, userID, fileEntryID int64, opts dlfile.CheckOutOptions) (store.FileEntry, error)
	CheckIn(ctx context.Context, userID, fileEntryID int64, majorVersion bool, changeLog string, opts dlfile.CheckInOptions) error
	CheckInWithLock(ctx context.Context, userID, fileEntryID int64, lockUUID string, opts dlfile.CheckInOptions) error
	CancelCheckOut(ctx context.Context, userID, fileEntryID int64) (store.FileEntry, error)
	RevertFileEntry(ctx context.Context, userID, fileEntryID int64, label string) (store.FileEntry, error)
	MoveFileEntry(ctx context.Context, userID, fileEntryID, newFolderID int64) (store.FileEntry, error)
	MoveToTrash(ctx context.Context, userID, fileEntryID int64) (store.FileEntry, error)
	RestoreFromTrash(ctx context.Context, userID, fileEntryID int64) (store.FileEntry, error)

	LockFileEntry(ctx context.Context, userID, fileEntryID int64, owner string, expiration time.Duration) (lock.Lock, error)
	UnlockFileEntry(ctx context.Context, fileEntryID int64, lockUUID string) error
	VerifyFileEntryLock(ctx context.Context, fileEntryID int64, lockUUID string) (bool, error)

	UpdateStatus(ctx context.Context, userID, fileVersionID int64, status store.Status) (store.FileEntry, error)
}

// counters is the social activity surface served over HTTP.
type counters interface {
	Enqueue(activity social.Activity) bool
	GetOffsetActivityCounters(ctx context.Context, groupID int64, name string, startOffset, endOffset int) ([]store.ActivityCounter, error)
	GetOffsetDistributionActivityCounters(ctx context.Context, groupID int64, name string, startOffset, endOffset int) ([]store.ActivityCounter, error)
	GetPeriodActivityCounters(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error)
	GetPeriodDistributionActivityCounters(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error)
	GetUserActivityCounters(ctx context.Context, groupID int64, rankingNames, selectedNames []string, offset, limit int) ([]social.UserCounters, error)
	GetUserActivityCountersCount(ctx context.Context, groupID int64, rankingNames []string) (int, error)
	IncrementUserAchievementCounter(ctx context.Context, userID, groupID int64) (store.ActivityCounter, error)
	Definitions() *social.Definitions
	ClearCache()
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Service struct {
	cfg      config.Config
	users    userStore
	library  library
	counters counters
	search   searcher
	now      func() time.Time
}

func New(cfg config.Config, users userStore, lib library, socialSvc counters, searchSvc searcher) *Service {
	return &Service{
		cfg:      cfg,
		users:    users,
		library:  lib,
		counters: socialSvc,
		search:   searchSvc,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.users.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if err := validation.Validate(userName,
		validation.Required,
		validation.Length(1, 75),
	); err != nil {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name "+err.Error(), nil)
	}

	user, err := s.users.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	if !user.Active {
		return Session{}, domainError(http.StatusForbidden, "USER_INACTIVE", "User is not active", nil)
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		UserID: user.ID,
		Name:   user.Name,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return Session{}, err
	}
	if !user.Active {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

type AddFolderRequest struct {
	GroupID          int64   `json:"groupId"`
	ParentID         int64   `json:"parentId"`
	Name             string  `json:"name"`
	FileEntryTypeIDs []int64 `json:"fileEntryTypeIds"`
}

func (r AddFolderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.GroupID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.ParentID, validation.Min(int64(0))),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 100)),
	)
}

func (s *Service) AddFolder(ctx context.Context, session Session, req AddFolderRequest) (store.Folder, error) {
	if err := req.Validate(); err != nil {
		return store.Folder{}, validationError(err)
	}
	return s.library.AddFolder(ctx, dlfile.AddFolderInput{
		UserID:           session.UserID,
		GroupID:          req.GroupID,
		ParentID:         req.ParentID,
		Name:             req.Name,
		FileEntryTypeIDs: req.FileEntryTypeIDs,
	})
}

type LockRequest struct {
	Owner string `json:"owner"`
	// ExpirationSeconds 0 uses the configured lock TTL.
	ExpirationSeconds int  `json:"expirationSeconds"`
	Inheritable       bool `json:"inheritable"`
}

func (r LockRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Owner, validation.Length(0, 255)),
		validation.Field(&r.ExpirationSeconds, validation.Min(0)),
	)
}

func (r LockRequest) expiration() time.Duration {
	return time.Duration(r.ExpirationSeconds) * time.Second
}

func (s *Service) LockFolder(ctx context.Context, session Session, folderID int64, req LockRequest) (lock.Lock, error) {
	if err := req.Validate(); err != nil {
		return lock.Lock{}, validationError(err)
	}
	return s.library.LockFolder(ctx, session.UserID, folderID, ownerOf(req.Owner, session), req.Inheritable, req.expiration())
}

func (s *Service) LockFileEntry(ctx context.Context, session Session, fileEntryID int64, req LockRequest) (lock.Lock, error) {
	if err := req.Validate(); err != nil {
		return lock.Lock{}, validationError(err)
	}
	return s.library.LockFileEntry(ctx, session.UserID, fileEntryID, ownerOf(req.Owner, session), req.expiration())
}

// Upload carries one multipart file upload.
type Upload struct {
	GroupID         int64
	FolderID        int64
	FileName        string
	MimeType        string
	Title           string
	Description     string
	ChangeLog       string
	FileEntryTypeID int64
	MajorVersion    bool
	Draft           bool
	Metadata        map[string]string
	Content         io.Reader
	Size            int64
}

func (u Upload) validate(creating bool) error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.GroupID, validation.When(creating, validation.Required, validation.Min(int64(1)))),
		validation.Field(&u.FolderID, validation.Min(int64(0))),
		validation.Field(&u.Title, validation.Length(0, 255)),
		validation.Field(&u.Description, validation.Length(0, 4000)),
		validation.Field(&u.ChangeLog, validation.Length(0, 75)),
		validation.Field(&u.Size, validation.Min(int64(0))),
	)
}

func (u Upload) action() dlfile.Action {
	if u.Draft {
		return dlfile.ActionSaveDraft
	}
	return dlfile.ActionPublish
}

func (s *Service) AddFileEntry(ctx context.Context, session Session, upload Upload) (store.FileEntry, error) {
	if err := upload.validate(true); err != nil {
		return store.FileEntry{}, validationError(err)
	}
	return s.library.AddFileEntry(ctx, dlfile.AddFileEntryInput{
		UserID:          session.UserID,
		GroupID:         upload.GroupID,
		FolderID:        upload.FolderID,
		SourceFileName:  upload.FileName,
		MimeType:        upload.MimeType,
		Title:           upload.Title,
		Description:     upload.Description,
		ChangeLog:       upload.ChangeLog,
		FileEntryTypeID: upload.FileEntryTypeID,
		Metadata:        upload.Metadata,
		Content:         upload.Content,
		Size:            upload.Size,
		Action:          upload.action(),
	})
}

func (s *Service) UpdateFileEntry(ctx context.Context, session Session, fileEntryID int64, upload Upload) (store.FileEntry, error) {
	if err := upload.validate(false); err != nil {
		return store.FileEntry{}, validationError(err)
	}
	return s.library.UpdateFileEntry(ctx, dlfile.UpdateFileEntryInput{
		UserID:          session.UserID,
		FileEntryID:     fileEntryID,
		SourceFileName:  upload.FileName,
		MimeType:        upload.MimeType,
		Title:           upload.Title,
		Description:     upload.Description,
		ChangeLog:       upload.ChangeLog,
		MajorVersion:    upload.MajorVersion,
		FileEntryTypeID: upload.FileEntryTypeID,
		Metadata:        upload.Metadata,
		Content:         upload.Content,
		Size:            upload.Size,
		Action:          upload.action(),
	})
}

type CheckInRequest struct {
	MajorVersion bool   `json:"majorVersion"`
	ChangeLog    string `json:"changeLog"`
	LockUUID     string `json:"lockUuid"`
	Draft        bool   `json:"draft"`
}

func (r CheckInRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChangeLog, validation.Length(0, 75)),
		validation.Field(&r.LockUUID, validation.When(r.LockUUID != "", validation.Length(36, 36))),
	)
}

// CheckIn publishes the caller's working copy. A lock UUID checks in on
// behalf of the lock holder, keeping the version label.
func (s *Service) CheckIn(ctx context.Context, session Session, fileEntryID int64, req CheckInRequest) (store.FileEntry, error) {
	if err := req.Validate(); err != nil {
		return store.FileEntry{}, validationError(err)
	}
	opts := dlfile.CheckInOptions{Action: dlfile.ActionPublish}
	if req.Draft {
		opts.Action = dlfile.ActionSaveDraft
	}
	var err error
	if req.LockUUID != "" {
		err = s.library.CheckInWithLock(ctx, session.UserID, fileEntryID, req.LockUUID, opts)
	} else {
		err = s.library.CheckIn(ctx, session.UserID, fileEntryID, req.MajorVersion, req.ChangeLog, opts)
	}
	if err != nil {
		return store.FileEntry{}, err
	}
	return s.library.GetFileEntry(ctx, fileEntryID)
}

type StatusRequest struct {
	Status string `json:"status"`
}

func (s *Service) UpdateStatus(ctx context.Context, session Session, fileVersionID int64, req StatusRequest) (store.FileEntry, error) {
	status, ok := store.ParseStatus(strings.TrimSpace(strings.ToLower(req.Status)))
	if !ok || status == store.StatusInTrash {
		return store.FileEntry{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be approved, pending, draft or denied", nil)
	}
	return s.library.UpdateStatus(ctx, session.UserID, fileVersionID, status)
}

type ActivityRequest struct {
	GroupID   int64  `json:"groupId"`
	ClassName string `json:"className"`
	ClassPK   int64  `json:"classPk"`
	Type      int    `json:"type"`
}

func (r ActivityRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.GroupID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.ClassName, validation.Required),
		validation.Field(&r.ClassPK, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.Type, validation.Required, validation.Min(1)),
	)
}

// RecordActivity queues the activity for the counter workers.
func (s *Service) RecordActivity(session Session, req ActivityRequest) error {
	if err := req.Validate(); err != nil {
		return validationError(err)
	}
	accepted := s.counters.Enqueue(social.Activity{
		GroupID:   req.GroupID,
		UserID:    session.UserID,
		ClassName: req.ClassName,
		ClassPK:   req.ClassPK,
		Type:      req.Type,
		CreatedAt: s.now().UTC(),
	})
	if !accepted {
		return domainError(http.StatusServiceUnavailable, "QUEUE_FULL", "Activity queue is full", nil)
	}
	return nil
}

// CounterQuery selects counters by absolute periods when both are set,
// by period offsets otherwise.
type CounterQuery struct {
	Name         string
	StartPeriod  *int
	EndPeriod    *int
	StartOffset  int
	EndOffset    int
	Distribution bool
}

func (s *Service) ActivityCounters(ctx context.Context, groupID int64, q CounterQuery) ([]store.ActivityCounter, error) {
	if strings.TrimSpace(q.Name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if q.StartPeriod != nil && q.EndPeriod != nil {
		if q.Distribution {
			return s.counters.GetPeriodDistributionActivityCounters(ctx, groupID, q.Name, *q.StartPeriod, *q.EndPeriod)
		}
		return s.counters.GetPeriodActivityCounters(ctx, groupID, q.Name, *q.StartPeriod, *q.EndPeriod)
	}
	if q.StartOffset > q.EndOffset {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "startOffset must not exceed endOffset", nil)
	}
	if q.Distribution {
		return s.counters.GetOffsetDistributionActivityCounters(ctx, groupID, q.Name, q.StartOffset, q.EndOffset)
	}
	return s.counters.GetOffsetActivityCounters(ctx, groupID, q.Name, q.StartOffset, q.EndOffset)
}

func (s *Service) Rankings(ctx context.Context, groupID int64, rankingNames, selectedNames []string, offset, limit int) (map[string]any, error) {
	if len(rankingNames) == 0 {
		rankingNames = []string{social.NameContribution, social.NameParticipation}
	}
	if len(selectedNames) == 0 {
		selectedNames = rankingNames
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	users, err := s.counters.GetUserActivityCounters(ctx, groupID, rankingNames, selectedNames, offset, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.counters.GetUserActivityCountersCount(ctx, groupID, rankingNames)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"users": rankingViews(users),
		"total": total,
	}, nil
}

func (s *Service) AwardAchievement(ctx context.Context, groupID, userID int64) (store.ActivityCounter, error) {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return store.ActivityCounter{}, err
	}
	return s.counters.IncrementUserAchievementCounter(ctx, userID, groupID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func ownerOf(owner string, session Session) string {
	if strings.TrimSpace(owner) != "" {
		return owner
	}
	return session.UserName
}
