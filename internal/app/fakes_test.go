package app

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"doclib/internal/blob"
	"doclib/internal/config"
	"doclib/internal/dlfile"
	"doclib/internal/lock"
	"doclib/internal/search"
	"doclib/internal/social"
	"doclib/internal/store"
)

type fakeUsers struct {
	users  map[int64]store.User
	pingFn func(context.Context) error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[int64]store.User{
		1: {ID: 1, Name: "alice", Active: true},
		2: {ID: 2, Name: "bob", Active: true},
	}}
}

func (f *fakeUsers) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	for _, user := range f.users {
		if user.Name == name {
			return user, nil
		}
	}
	user := store.User{ID: int64(len(f.users) + 1), Name: name, Active: true}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeUsers) GetUser(_ context.Context, id int64) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUsers) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// fakeLibrary answers with zero values unless a test sets the matching func.
type fakeLibrary struct {
	addFileEntryFn        func(context.Context, dlfile.AddFileEntryInput) (store.FileEntry, error)
	updateFileEntryFn     func(context.Context, dlfile.UpdateFileEntryInput) (store.FileEntry, error)
	getFileEntryFn        func(context.Context, int64) (store.FileEntry, error)
	getFileAsStreamFn     func(ctx context.Context, userID, fileEntryID int64, version string, incrementCounter bool) (io.ReadCloser, error)
	checkInFn             func(ctx context.Context, userID, fileEntryID int64, majorVersion bool, changeLog string, opts dlfile.CheckInOptions) error
	checkInWithLockFn     func(ctx context.Context, userID, fileEntryID int64, lockUUID string, opts dlfile.CheckInOptions) error
	lockFileEntryFn       func(ctx context.Context, userID, fileEntryID int64, owner string, expiration time.Duration) (lock.Lock, error)
	moveFileEntryFn       func(ctx context.Context, userID, fileEntryID, newFolderID int64) (store.FileEntry, error)
	updateStatusFn        func(ctx context.Context, userID, fileVersionID int64, status store.Status) (store.FileEntry, error)
	verifyFileEntryLockFn func(ctx context.Context, fileEntryID int64, lockUUID string) (bool, error)
	historyFn             func(ctx context.Context, fileEntryID int64, limit int) ([]blob.Revision, error)
}

func (f *fakeLibrary) AddFolder(_ context.Context, in dlfile.AddFolderInput) (store.Folder, error) {
	return store.Folder{ID: 10, GroupID: in.GroupID, ParentID: in.ParentID, UserID: in.UserID, Name: in.Name}, nil
}

func (f *fakeLibrary) LockFolder(_ context.Context, userID, folderID int64, owner string, inheritable bool, _ time.Duration) (lock.Lock, error) {
	return lock.Lock{UUID: "folder-lock", ClassName: store.ClassFolder, UserID: userID, Owner: owner, Inheritable: inheritable}, nil
}

func (f *fakeLibrary) UnlockFolder(context.Context, int64, string) error { return nil }

func (f *fakeLibrary) AddFileEntry(ctx context.Context, in dlfile.AddFileEntryInput) (store.FileEntry, error) {
	if f.addFileEntryFn != nil {
		return f.addFileEntryFn(ctx, in)
	}
	return store.FileEntry{ID: 1, GroupID: in.GroupID, Title: in.Title, Version: "1.0"}, nil
}

func (f *fakeLibrary) UpdateFileEntry(ctx context.Context, in dlfile.UpdateFileEntryInput) (store.FileEntry, error) {
	if f.updateFileEntryFn != nil {
		return f.updateFileEntryFn(ctx, in)
	}
	return store.FileEntry{ID: in.FileEntryID}, nil
}

func (f *fakeLibrary) GetFileEntry(ctx context.Context, id int64) (store.FileEntry, error) {
	if f.getFileEntryFn != nil {
		return f.getFileEntryFn(ctx, id)
	}
	return store.FileEntry{ID: id}, nil
}

func (f *fakeLibrary) GetFileEntryByTitle(_ context.Context, _, groupID, folderID int64, title string) (store.FileEntry, error) {
	return store.FileEntry{ID: 1, GroupID: groupID, FolderID: folderID, Title: title}, nil
}

func (f *fakeLibrary) ListFileEntries(context.Context, int64, int64, int, int) ([]store.FileEntry, error) {
	return nil, nil
}

func (f *fakeLibrary) ListFileVersions(context.Context, int64) ([]store.FileVersion, error) {
	return nil, nil
}

func (f *fakeLibrary) History(ctx context.Context, fileEntryID int64, limit int) ([]blob.Revision, error) {
	if f.historyFn != nil {
		return f.historyFn(ctx, fileEntryID, limit)
	}
	return nil, nil
}

func (f *fakeLibrary) GetFileAsStream(ctx context.Context, userID, fileEntryID int64, version string, incrementCounter bool) (io.ReadCloser, error) {
	if f.getFileAsStreamFn != nil {
		return f.getFileAsStreamFn(ctx, userID, fileEntryID, version, incrementCounter)
	}
	return nil, blob.ErrNotFound
}

func (f *fakeLibrary) DeleteFileEntry(context.Context, int64, int64) error { return nil }

func (f *fakeLibrary) DeleteFileVersion(context.Context, int64, int64, string) error { return nil }

func (f *fakeLibrary) CheckOut(_ context.Context, _, fileEntryID int64, _ dlfile.CheckOutOptions) (store.FileEntry, error) {
	return store.FileEntry{ID: fileEntryID}, nil
}

func (f *fakeLibrary) CheckIn(ctx context.Context, userID, fileEntryID int64, majorVersion bool, changeLog string, opts dlfile.CheckInOptions) error {
	if f.checkInFn != nil {
		return f.checkInFn(ctx, userID, fileEntryID, majorVersion, changeLog, opts)
	}
	return nil
}

func (f *fakeLibrary) CheckInWithLock(ctx context.Context, userID, fileEntryID int64, lockUUID string, opts dlfile.CheckInOptions) error {
	if f.checkInWithLockFn != nil {
		return f.checkInWithLockFn(ctx, userID, fileEntryID, lockUUID, opts)
	}
	return nil
}

func (f *fakeLibrary) CancelCheckOut(_ context.Context, _, fileEntryID int64) (store.FileEntry, error) {
	return store.FileEntry{ID: fileEntryID}, nil
}

func (f *fakeLibrary) RevertFileEntry(_ context.Context, _, fileEntryID int64, _ string) (store.FileEntry, error) {
	return store.FileEntry{ID: fileEntryID}, nil
}

func (f *fakeLibrary) MoveFileEntry(ctx context.Context, userID, fileEntryID, newFolderID int64) (store.FileEntry, error) {
	if f.moveFileEntryFn != nil {
		return f.moveFileEntryFn(ctx, userID, fileEntryID, newFolderID)
	}
	return store.FileEntry{ID: fileEntryID, FolderID: newFolderID}, nil
}

func (f *fakeLibrary) MoveToTrash(_ context.Context, _, fileEntryID int64) (store.FileEntry, error) {
	return store.FileEntry{ID: fileEntryID}, nil
}

func (f *fakeLibrary) RestoreFromTrash(_ context.Context, _, fileEntryID int64) (store.FileEntry, error) {
	return store.FileEntry{ID: fileEntryID}, nil
}

func (f *fakeLibrary) LockFileEntry(ctx context.Context, userID, fileEntryID int64, owner string, expiration time.Duration) (lock.Lock, error) {
	if f.lockFileEntryFn != nil {
		return f.lockFileEntryFn(ctx, userID, fileEntryID, owner, expiration)
	}
	return lock.Lock{UUID: "entry-lock", ClassName: store.ClassFileEntry, UserID: userID, Owner: owner}, nil
}

func (f *fakeLibrary) UnlockFileEntry(context.Context, int64, string) error { return nil }

func (f *fakeLibrary) VerifyFileEntryLock(ctx context.Context, fileEntryID int64, lockUUID string) (bool, error) {
	if f.verifyFileEntryLockFn != nil {
		return f.verifyFileEntryLockFn(ctx, fileEntryID, lockUUID)
	}
	return false, nil
}

func (f *fakeLibrary) UpdateStatus(ctx context.Context, userID, fileVersionID int64, status store.Status) (store.FileEntry, error) {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, userID, fileVersionID, status)
	}
	return store.FileEntry{}, nil
}

type fakeCounters struct {
	enqueued       []social.Activity
	rejectEnqueue  bool
	defs           *social.Definitions
	cacheCleared   int
	offsetCalls    [][2]int
	periodCalls    [][2]int
	distribution   bool
	rankingNames   []string
	selectedNames  []string
	rankingLimit   int
	achievementFor int64
}

func (f *fakeCounters) Enqueue(activity social.Activity) bool {
	if f.rejectEnqueue {
		return false
	}
	f.enqueued = append(f.enqueued, activity)
	return true
}

func (f *fakeCounters) GetOffsetActivityCounters(_ context.Context, groupID int64, name string, startOffset, endOffset int) ([]store.ActivityCounter, error) {
	f.offsetCalls = append(f.offsetCalls, [2]int{startOffset, endOffset})
	return []store.ActivityCounter{{GroupID: groupID, Name: name, Current: 3}}, nil
}

func (f *fakeCounters) GetOffsetDistributionActivityCounters(ctx context.Context, groupID int64, name string, startOffset, endOffset int) ([]store.ActivityCounter, error) {
	f.distribution = true
	return f.GetOffsetActivityCounters(ctx, groupID, name, startOffset, endOffset)
}

func (f *fakeCounters) GetPeriodActivityCounters(_ context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error) {
	f.periodCalls = append(f.periodCalls, [2]int{startPeriod, endPeriod})
	return []store.ActivityCounter{{GroupID: groupID, Name: name, StartPeriod: startPeriod}}, nil
}

func (f *fakeCounters) GetPeriodDistributionActivityCounters(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error) {
	f.distribution = true
	return f.GetPeriodActivityCounters(ctx, groupID, name, startPeriod, endPeriod)
}

func (f *fakeCounters) GetUserActivityCounters(_ context.Context, _ int64, rankingNames, selectedNames []string, _, limit int) ([]social.UserCounters, error) {
	f.rankingNames = rankingNames
	f.selectedNames = selectedNames
	f.rankingLimit = limit
	return []social.UserCounters{{
		UserID:   2,
		Counters: map[string]store.ActivityCounter{social.NameContribution: {Name: social.NameContribution, Current: 5}},
	}}, nil
}

func (f *fakeCounters) GetUserActivityCountersCount(context.Context, int64, []string) (int, error) {
	return 1, nil
}

func (f *fakeCounters) IncrementUserAchievementCounter(_ context.Context, userID, groupID int64) (store.ActivityCounter, error) {
	f.achievementFor = userID
	return store.ActivityCounter{GroupID: groupID, ClassPK: userID, Name: social.NameUserAchievements, Current: 1}, nil
}

func (f *fakeCounters) Definitions() *social.Definitions { return f.defs }

func (f *fakeCounters) ClearCache() { f.cacheCleared++ }

type fakeSearch struct {
	last search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{Results: []search.Result{{FileEntryID: 1, Title: "notes"}}, Total: 1, Query: q.Text}
}

type testEnv struct {
	users    *fakeUsers
	library  *fakeLibrary
	counters *fakeCounters
	search   *fakeSearch
	service  *Service
	server   *HTTPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	defs, err := social.LoadDefinitions("")
	if err != nil {
		t.Fatalf("LoadDefinitions() error = %v", err)
	}
	env := &testEnv{
		users:    newFakeUsers(),
		library:  &fakeLibrary{},
		counters: &fakeCounters{defs: defs},
		search:   &fakeSearch{},
	}
	cfg := config.Config{TokenSecret: "test-secret", AccessTTL: time.Hour}
	env.service = New(cfg, env.users, env.library, env.counters, env.search)
	env.server = NewHTTPServer(env.service, "*")
	return env
}

// token issues a bearer token for a fake user.
func (e *testEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	session, err := e.service.issueSession(e.users.users[userID])
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	return session.Token
}
