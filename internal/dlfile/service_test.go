package dlfile

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"doclib/internal/blob"
	"doclib/internal/lock"
	"doclib/internal/store"
	"doclib/internal/workflow"
)

type harness struct {
	svc        *Service
	redis      *miniredis.Miniredis
	store      *fakeStore
	blobs      *blob.Git
	locks      *lock.Manager
	index      *fakeIndexer
	activities *fakeActivities
}

func newHarness(t *testing.T, engine workflow.Engine) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	backend, err := lock.NewRedisBackend("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisBackend() error = %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	h := &harness{
		redis:      mr,
		store:      newFakeStore(),
		blobs:      blob.NewGit(t.TempDir()),
		locks:      lock.NewManager(backend),
		index:      newFakeIndexer(),
		activities: &fakeActivities{},
	}
	h.svc = New(h.store, h.blobs, h.locks, engine, Options{LockTTL: time.Hour, VersionPolicy: 1, ReadCountEnabled: true}).
		WithIndexer(h.index).
		WithActivities(h.activities)
	return h
}

func (h *harness) addFile(t *testing.T, folderID int64, title, content string) store.FileEntry {
	t.Helper()
	entry, err := h.svc.AddFileEntry(context.Background(), AddFileEntryInput{
		UserID:          1,
		GroupID:         1,
		FolderID:        folderID,
		SourceFileName:  title,
		Title:           title,
		FileEntryTypeID: -1,
		Content:         strings.NewReader(content),
		Size:            int64(len(content)),
	})
	if err != nil {
		t.Fatalf("AddFileEntry(%q) error = %v", title, err)
	}
	return entry
}

func (h *harness) update(userID int64, entry store.FileEntry, content string, action Action) (store.FileEntry, error) {
	return h.svc.UpdateFileEntry(context.Background(), UpdateFileEntryInput{
		UserID:          userID,
		FileEntryID:     entry.ID,
		SourceFileName:  entry.Title,
		FileEntryTypeID: -1,
		Content:         strings.NewReader(content),
		Size:            int64(len(content)),
		Action:          action,
	})
}

func (h *harness) read(t *testing.T, fileEntryID int64, version string) string {
	t.Helper()
	rc, err := h.svc.GetFileAsStream(context.Background(), 1, fileEntryID, version, false)
	if err != nil {
		t.Fatalf("GetFileAsStream(%d, %q) error = %v", fileEntryID, version, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	return string(data)
}

func (h *harness) locked(t *testing.T, fileEntryID int64) bool {
	t.Helper()
	locked, err := h.locks.IsLocked(context.Background(), store.ClassFileEntry, entryKey(fileEntryID))
	if err != nil {
		t.Fatalf("IsLocked() error = %v", err)
	}
	return locked
}

func TestAddFileEntryPublishesFirstVersion(t *testing.T) {
	h := newHarness(t, nil)
	entry := h.addFile(t, 0, "notes.txt", "hello")

	if entry.Version != VersionDefault || entry.Size != 5 || entry.Extension != "txt" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if !strings.HasPrefix(entry.MimeType, "text/plain") {
		t.Fatalf("mime type = %q", entry.MimeType)
	}
	v, ok := h.store.version(entry.ID, VersionDefault)
	if !ok || v.Status != store.StatusApproved || v.Checksum == "" {
		t.Fatalf("unexpected first version %+v", v)
	}
	if got := h.read(t, entry.ID, ""); got != "hello" {
		t.Fatalf("content = %q", got)
	}
	if got := h.activities.types(); len(got) != 1 || got[0] != ActivityAddFileEntry {
		t.Fatalf("activities = %v", got)
	}
	if _, ok := h.index.indexed[entry.ID]; !ok {
		t.Fatal("expected the entry to be indexed")
	}
}

func TestAddFileEntryValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.addFile(t, 0, "report.pdf", "pdf")
	if _, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, Name: "docs"}); err != nil {
		t.Fatalf("AddFolder() error = %v", err)
	}

	cases := []struct {
		name  string
		title string
		src   string
		size  int64
		want  error
	}{
		{name: "same title", title: "report.pdf", src: "report.pdf", size: 1, want: ErrDuplicateFile},
		{name: "title without extension", title: "report", src: "report.pdf", size: 1, want: ErrDuplicateFile},
		{name: "slash", title: "a/b", src: "b.txt", size: 1, want: ErrFileName},
		{name: "folder name", title: "docs", src: "docs", size: 1, want: ErrDuplicateFolderName},
		{name: "empty", size: 0, want: ErrFileName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.AddFileEntry(ctx, AddFileEntryInput{
				UserID: 1, GroupID: 1, Title: tc.title, SourceFileName: tc.src,
				FileEntryTypeID: -1, Content: strings.NewReader("x"), Size: tc.size,
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, Name: "report.pdf"}); !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("folder named like a file: expected ErrDuplicateFile, got %v", err)
	}
	if _, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, Name: "docs"}); !errors.Is(err, ErrDuplicateFolderName) {
		t.Fatalf("duplicate folder: expected ErrDuplicateFolderName, got %v", err)
	}
}

func TestUpdateAutoChecksInMinorVersion(t *testing.T) {
	h := newHarness(t, nil)
	entry := h.addFile(t, 0, "notes.txt", "hello")

	updated, err := h.update(1, entry, "hello world", ActionPublish)
	if err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}
	if updated.Version != "1.1" || updated.Size != 11 {
		t.Fatalf("unexpected entry %+v", updated)
	}
	if got := h.read(t, entry.ID, "1.1"); got != "hello world" {
		t.Fatalf("1.1 content = %q", got)
	}
	if got := h.read(t, entry.ID, "1.0"); got != "hello" {
		t.Fatalf("1.0 content = %q", got)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released after an automatic check-in")
	}
	checkedOut, err := h.svc.IsFileEntryCheckedOut(context.Background(), entry.ID)
	if err != nil || checkedOut {
		t.Fatalf("IsFileEntryCheckedOut() = %v, %v", checkedOut, err)
	}
	if got := h.activities.types(); len(got) != 2 || got[1] != ActivityUpdateFileEntry {
		t.Fatalf("activities = %v", got)
	}
}

func TestUnchangedUpdateKeepsVersionLabel(t *testing.T) {
	h := newHarness(t, nil)
	entry := h.addFile(t, 0, "notes.txt", "hello")

	updated, err := h.update(1, entry, "hello", ActionPublish)
	if err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}
	if updated.Version != VersionDefault {
		t.Fatalf("version = %s, want %s", updated.Version, VersionDefault)
	}
	versions, err := h.svc.ListFileVersions(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("ListFileVersions() error = %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected a single version, got %d", len(versions))
	}
	if has, _ := h.blobs.Has(context.Background(), blobName(entry), PrivateWorkingCopy); has {
		t.Fatal("working copy bytes should be gone")
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
}

func TestSaveDraftThenPublish(t *testing.T) {
	h := newHarness(t, nil)
	entry := h.addFile(t, 0, "notes.txt", "hello")

	drafted, err := h.svc.UpdateFileEntry(context.Background(), UpdateFileEntryInput{
		UserID: 1, FileEntryID: entry.ID, SourceFileName: "notes.txt", FileEntryTypeID: -1,
		MajorVersion: true, Content: strings.NewReader("draft"), Size: 5, Action: ActionSaveDraft,
	})
	if err != nil {
		t.Fatalf("UpdateFileEntry(draft) error = %v", err)
	}
	if drafted.Version != VersionDefault {
		t.Fatalf("draft must not become current, entry at %s", drafted.Version)
	}
	draft, ok := h.store.version(entry.ID, "1.1")
	if !ok || draft.Status != store.StatusDraft {
		t.Fatalf("expected draft 1.1, got %+v (found %v)", draft, ok)
	}

	published, err := h.update(1, entry, "final", ActionPublish)
	if err != nil {
		t.Fatalf("UpdateFileEntry(publish) error = %v", err)
	}
	if published.Version != "1.1" {
		t.Fatalf("version = %s, want 1.1", published.Version)
	}
	if got := h.read(t, entry.ID, ""); got != "final" {
		t.Fatalf("content = %q", got)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
}

func TestCheckOutBlocksOtherUsers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if _, ok := h.store.version(entry.ID, PrivateWorkingCopy); !ok {
		t.Fatal("expected a working copy")
	}

	if _, err := h.update(2, entry, "bob", ActionPublish); !errors.Is(err, lock.ErrDuplicateLock) {
		t.Fatalf("expected ErrDuplicateLock for another user, got %v", err)
	}

	working, err := h.update(1, entry, "v2", ActionPublish)
	if err != nil {
		t.Fatalf("UpdateFileEntry() while checked out error = %v", err)
	}
	if working.Version != VersionDefault {
		t.Fatalf("working copy edits must not publish, entry at %s", working.Version)
	}
	if got := h.read(t, entry.ID, PrivateWorkingCopy); got != "v2" {
		t.Fatalf("working copy content = %q", got)
	}
	if !h.locked(t, entry.ID) {
		t.Fatal("checked out entry must stay locked")
	}

	if err := h.svc.CheckIn(ctx, 1, entry.ID, true, "rewrite", CheckInOptions{}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	checkedIn, err := h.svc.GetFileEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetFileEntry() error = %v", err)
	}
	if checkedIn.Version != "2.0" {
		t.Fatalf("version = %s, want 2.0", checkedIn.Version)
	}
	v, _ := h.store.version(entry.ID, "2.0")
	if v.ChangeLog != "rewrite" || v.Status != store.StatusApproved {
		t.Fatalf("unexpected version %+v", v)
	}
	if got := h.read(t, entry.ID, ""); got != "v2" {
		t.Fatalf("content = %q", got)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("check-in should release the lock")
	}
}

func TestCancelCheckOutDiscardsWorkingCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{ManualCheckIn: true}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if _, err := h.update(1, entry, "scratch", ActionPublish); err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}

	cancelled, err := h.svc.CancelCheckOut(ctx, 1, entry.ID)
	if err != nil {
		t.Fatalf("CancelCheckOut() error = %v", err)
	}
	if cancelled.ManualCheckInRequired {
		t.Fatal("manual check-in flag should be cleared")
	}
	if _, ok := h.store.version(entry.ID, PrivateWorkingCopy); ok {
		t.Fatal("working copy row should be gone")
	}
	if has, _ := h.blobs.Has(ctx, blobName(entry), PrivateWorkingCopy); has {
		t.Fatal("working copy bytes should be gone")
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
	if got := h.read(t, entry.ID, ""); got != "hello" {
		t.Fatalf("content = %q", got)
	}
}

func TestGetFileEntryByTitleFindsOwnWorkingCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "a.txt", "hello")

	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if _, err := h.svc.UpdateFileEntry(ctx, UpdateFileEntryInput{
		UserID: 1, FileEntryID: entry.ID, Title: "b.txt", FileEntryTypeID: -1,
	}); err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}

	found, err := h.svc.GetFileEntryByTitle(ctx, 1, 1, 0, "b.txt")
	if err != nil || found.ID != entry.ID {
		t.Fatalf("GetFileEntryByTitle() = %+v, %v", found, err)
	}
	if _, err := h.svc.GetFileEntryByTitle(ctx, 2, 1, 0, "b.txt"); !errors.Is(err, ErrNoSuchFileEntry) {
		t.Fatalf("expected ErrNoSuchFileEntry for another user, got %v", err)
	}
}

func TestEntryLocks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	l, err := h.svc.LockFileEntry(ctx, 1, entry.ID, "", 48*time.Hour)
	if err != nil {
		t.Fatalf("LockFileEntry() error = %v", err)
	}
	if l.ExpiresAt == nil || l.ExpiresAt.After(time.Now().Add(time.Hour+time.Minute)) {
		t.Fatalf("expiration should be clamped to the lock TTL, got %v", l.ExpiresAt)
	}
	if l.Owner != "1" {
		t.Fatalf("owner = %q", l.Owner)
	}

	if _, err := h.svc.LockFileEntry(ctx, 2, entry.ID, "", 0); !errors.Is(err, lock.ErrDuplicateLock) {
		t.Fatalf("expected ErrDuplicateLock, got %v", err)
	}
	if _, err := h.update(2, entry, "bob", ActionPublish); !errors.Is(err, lock.ErrDuplicateLock) {
		t.Fatalf("update by another user: expected ErrDuplicateLock, got %v", err)
	}

	if ok, err := h.svc.VerifyFileEntryLock(ctx, entry.ID, l.UUID); err != nil || !ok {
		t.Fatalf("VerifyFileEntryLock() = %v, %v", ok, err)
	}
	if ok, _ := h.svc.VerifyFileEntryLock(ctx, entry.ID, "bogus"); ok {
		t.Fatal("a wrong uuid must not verify")
	}
	if ok, _ := h.svc.VerifyFileEntryCheckOut(ctx, entry.ID, l.UUID); ok {
		t.Fatal("entry is locked but not checked out")
	}

	if err := h.svc.UnlockFileEntry(ctx, entry.ID, "bogus"); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected ErrInvalidLock, got %v", err)
	}
	if err := h.svc.UnlockFileEntry(ctx, entry.ID, l.UUID); err != nil {
		t.Fatalf("UnlockFileEntry() error = %v", err)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("entry should be unlocked")
	}
	if err := h.svc.UnlockFileEntry(ctx, entry.ID, l.UUID); err != nil {
		t.Fatalf("unlocking a missing lock should be a no-op, got %v", err)
	}
}

func TestUnlockKeepsCheckedOutEntryLocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{Owner: "webdav"}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if err := h.svc.UnlockFileEntry(ctx, entry.ID, ""); err != nil {
		t.Fatalf("UnlockFileEntry() error = %v", err)
	}
	if !h.locked(t, entry.ID) {
		t.Fatal("checked out entries stay locked")
	}
	l, err := h.locks.Get(ctx, store.ClassFileEntry, entryKey(entry.ID))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok, err := h.svc.VerifyFileEntryCheckOut(ctx, entry.ID, l.UUID); err != nil || !ok {
		t.Fatalf("VerifyFileEntryCheckOut() = %v, %v", ok, err)
	}
	if err := h.svc.CheckInWithLock(ctx, 1, entry.ID, "bogus", CheckInOptions{}); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected ErrInvalidLock, got %v", err)
	}
	if err := h.svc.CheckInWithLock(ctx, 1, entry.ID, l.UUID, CheckInOptions{}); err != nil {
		t.Fatalf("CheckInWithLock() error = %v", err)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("check-in should release the lock")
	}
}

func TestInheritableFolderLock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	parent, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, Name: "docs"})
	if err != nil {
		t.Fatalf("AddFolder() error = %v", err)
	}
	child, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, ParentID: parent.ID, Name: "drafts"})
	if err != nil {
		t.Fatalf("AddFolder(child) error = %v", err)
	}
	entry := h.addFile(t, child.ID, "notes.txt", "hello")

	folderLock, err := h.svc.LockFolder(ctx, 1, parent.ID, "", true, 0)
	if err != nil {
		t.Fatalf("LockFolder() error = %v", err)
	}

	if ok, err := h.svc.HasInheritableLock(ctx, child.ID); err != nil || !ok {
		t.Fatalf("HasInheritableLock(child) = %v, %v", ok, err)
	}
	if ok, err := h.svc.HasFileEntryLock(ctx, 1, entry.ID); err != nil || !ok {
		t.Fatalf("HasFileEntryLock() = %v, %v", ok, err)
	}
	got, err := h.svc.LockFileEntry(ctx, 1, entry.ID, "", 0)
	if err != nil {
		t.Fatalf("LockFileEntry() error = %v", err)
	}
	if got.UUID != folderLock.UUID {
		t.Fatalf("expected the folder lock back, got %+v", got)
	}
	if ok, err := h.svc.VerifyFileEntryLock(ctx, entry.ID, folderLock.UUID); err != nil || ok {
		t.Fatalf("only the entry's own folder is checked, got %v, %v", ok, err)
	}
	if ok, err := h.svc.VerifyInheritableLock(ctx, parent.ID, folderLock.UUID); err != nil || !ok {
		t.Fatalf("VerifyInheritableLock(parent) = %v, %v", ok, err)
	}

	if err := h.svc.UnlockFolder(ctx, parent.ID, folderLock.UUID); err != nil {
		t.Fatalf("UnlockFolder() error = %v", err)
	}
	if ok, _ := h.svc.HasInheritableLock(ctx, child.ID); ok {
		t.Fatal("inheritable lock should be gone")
	}
}

func TestFileEntryTypesFollowFolders(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	contracts, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, Name: "contracts", FileEntryTypeIDs: []int64{5, 6}})
	if err != nil {
		t.Fatalf("AddFolder() error = %v", err)
	}
	signed, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, ParentID: contracts.ID, Name: "signed"})
	if err != nil {
		t.Fatalf("AddFolder(child) error = %v", err)
	}

	input := AddFileEntryInput{UserID: 1, GroupID: 1, FolderID: contracts.ID, Title: "a.txt", FileEntryTypeID: 7,
		Content: strings.NewReader("a"), Size: 1}
	if _, err := h.svc.AddFileEntry(ctx, input); !errors.Is(err, ErrInvalidFileEntryType) {
		t.Fatalf("expected ErrInvalidFileEntryType, got %v", err)
	}

	byDefault := h.addFile(t, contracts.ID, "b.txt", "b")
	if byDefault.FileEntryTypeID != 5 {
		t.Fatalf("default type = %d, want 5", byDefault.FileEntryTypeID)
	}

	input = AddFileEntryInput{UserID: 1, GroupID: 1, FolderID: signed.ID, Title: "c.txt", FileEntryTypeID: 6,
		Content: strings.NewReader("c"), Size: 1}
	inherited, err := h.svc.AddFileEntry(ctx, input)
	if err != nil || inherited.FileEntryTypeID != 6 {
		t.Fatalf("AddFileEntry() in subfolder = %+v, %v", inherited, err)
	}

	input = AddFileEntryInput{UserID: 1, GroupID: 1, Title: "d.txt", FileEntryTypeID: 9,
		Content: strings.NewReader("d"), Size: 1}
	loose, err := h.svc.AddFileEntry(ctx, input)
	if err != nil {
		t.Fatalf("AddFileEntry() at root error = %v", err)
	}
	moved, err := h.svc.MoveFileEntry(ctx, 1, loose.ID, contracts.ID)
	if err != nil {
		t.Fatalf("MoveFileEntry() error = %v", err)
	}
	if moved.FolderID != contracts.ID || moved.FileEntryTypeID != 5 {
		t.Fatalf("unexpected moved entry %+v", moved)
	}
	v, _ := h.store.version(loose.ID, VersionDefault)
	if v.FolderID != contracts.ID || v.FileEntryTypeID != 5 {
		t.Fatalf("version not moved: %+v", v)
	}
	if h.locked(t, loose.ID) {
		t.Fatal("move should release the lock")
	}
	if indexed := h.index.indexed[loose.ID]; indexed.FolderID != contracts.ID {
		t.Fatalf("index not updated: %+v", indexed)
	}
	if folder, _ := h.store.GetFolder(ctx, contracts.ID); folder.LastPostDate == nil {
		t.Fatal("target folder should be touched")
	}
}

func TestMoveRejectsDuplicateTitle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	folder, err := h.svc.AddFolder(ctx, AddFolderInput{UserID: 1, GroupID: 1, Name: "docs"})
	if err != nil {
		t.Fatalf("AddFolder() error = %v", err)
	}
	h.addFile(t, folder.ID, "notes.txt", "one")
	entry := h.addFile(t, 0, "notes.txt", "two")

	if _, err := h.svc.MoveFileEntry(ctx, 1, entry.ID, folder.ID); !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("expected ErrDuplicateFile, got %v", err)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("failed move should release the lock")
	}
}

func TestTrashAndRestore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")
	if _, err := h.update(1, entry, "hello world", ActionPublish); err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}

	if _, err := h.svc.RestoreFromTrash(ctx, 1, entry.ID); !errors.Is(err, ErrNoSuchFileEntry) {
		t.Fatalf("restoring a live entry: expected ErrNoSuchFileEntry, got %v", err)
	}

	if _, err := h.svc.MoveToTrash(ctx, 1, entry.ID); err != nil {
		t.Fatalf("MoveToTrash() error = %v", err)
	}
	for _, label := range []string{"1.0", "1.1"} {
		if v, _ := h.store.version(entry.ID, label); v.Status != store.StatusInTrash {
			t.Fatalf("version %s status = %s, want in_trash", label, v.Status)
		}
	}
	trash, ok := h.store.trash[entry.ID]
	if !ok || trash.Status != store.StatusApproved || len(trash.Versions) != 2 {
		t.Fatalf("unexpected trash entry %+v", trash)
	}
	if len(h.activities.disabled) != 1 || h.activities.disabled[0] != entry.ID {
		t.Fatalf("expected counters disabled, got %v", h.activities.disabled)
	}
	if _, ok := h.index.indexed[entry.ID]; ok {
		t.Fatal("trashed entry should leave the search index")
	}

	restored, err := h.svc.RestoreFromTrash(ctx, 1, entry.ID)
	if err != nil {
		t.Fatalf("RestoreFromTrash() error = %v", err)
	}
	if restored.Version != "1.1" {
		t.Fatalf("version = %s, want 1.1", restored.Version)
	}
	for _, label := range []string{"1.0", "1.1"} {
		if v, _ := h.store.version(entry.ID, label); v.Status != store.StatusApproved {
			t.Fatalf("version %s status = %s, want approved", label, v.Status)
		}
	}
	if _, ok := h.store.trash[entry.ID]; ok {
		t.Fatal("trash entry should be removed")
	}
	if len(h.activities.enabled) != 1 {
		t.Fatalf("expected counters enabled, got %v", h.activities.enabled)
	}
	if indexed, ok := h.index.indexed[entry.ID]; !ok || indexed.Version != "1.1" {
		t.Fatalf("restored entry should be reindexed, got %+v", indexed)
	}
}

func TestMoveToTrashCancelsCheckOut(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")
	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}

	if _, err := h.svc.MoveToTrash(ctx, 1, entry.ID); err != nil {
		t.Fatalf("MoveToTrash() error = %v", err)
	}
	if _, ok := h.store.version(entry.ID, PrivateWorkingCopy); ok {
		t.Fatal("working copy should be discarded")
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
}

func TestReviewWorkflow(t *testing.T) {
	h := newHarness(t, workflow.Review{})
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	v, _ := h.store.version(entry.ID, VersionDefault)
	if v.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending", v.Status)
	}
	if got := h.activities.types(); len(got) != 0 {
		t.Fatalf("no activity before approval, got %v", got)
	}

	if _, err := h.svc.UpdateStatus(ctx, 2, v.ID, store.StatusApproved); err != nil {
		t.Fatalf("UpdateStatus(approved) error = %v", err)
	}
	v, _ = h.store.version(entry.ID, VersionDefault)
	if v.Status != store.StatusApproved || v.StatusByUserID != 2 {
		t.Fatalf("unexpected version %+v", v)
	}
	if got := h.activities.types(); len(got) != 1 || got[0] != ActivityAddFileEntry {
		t.Fatalf("activities = %v", got)
	}

	if _, err := h.svc.UpdateStatus(ctx, 2, v.ID, store.StatusDenied); err != nil {
		t.Fatalf("UpdateStatus(denied) error = %v", err)
	}
	if _, ok := h.index.indexed[entry.ID]; ok {
		t.Fatal("a denied first version leaves the index")
	}
}

func TestDeleteFileVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")
	if _, err := h.update(1, entry, "hello world", ActionPublish); err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}

	if err := h.svc.DeleteFileVersion(ctx, 1, entry.ID, PrivateWorkingCopy); !errors.Is(err, ErrInvalidFileVersion) {
		t.Fatalf("expected ErrInvalidFileVersion, got %v", err)
	}
	if err := h.svc.DeleteFileVersion(ctx, 1, entry.ID, "1.1"); err != nil {
		t.Fatalf("DeleteFileVersion() error = %v", err)
	}
	current, err := h.svc.GetFileEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetFileEntry() error = %v", err)
	}
	if current.Version != VersionDefault || current.Size != 5 {
		t.Fatalf("entry should fall back to 1.0, got %+v", current)
	}
	if has, _ := h.blobs.Has(ctx, blobName(entry), "1.1"); has {
		t.Fatal("1.1 bytes should be gone")
	}
	if err := h.svc.DeleteFileVersion(ctx, 1, entry.ID, VersionDefault); !errors.Is(err, ErrOnlyApprovedVersion) {
		t.Fatalf("expected ErrOnlyApprovedVersion, got %v", err)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
}

func TestRevertFileEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry, err := h.svc.AddFileEntry(ctx, AddFileEntryInput{
		UserID: 1, GroupID: 1, SourceFileName: "notes.txt", Title: "notes.txt", Description: "first",
		FileEntryTypeID: -1, Metadata: map[string]string{"lang": "en"},
		Content: strings.NewReader("hello"), Size: 5,
	})
	if err != nil {
		t.Fatalf("AddFileEntry() error = %v", err)
	}
	if _, err := h.svc.UpdateFileEntry(ctx, UpdateFileEntryInput{
		UserID: 1, FileEntryID: entry.ID, SourceFileName: "notes.txt", Description: "second",
		FileEntryTypeID: -1, Metadata: map[string]string{"lang": "de"},
		Content: strings.NewReader("hallo welt"), Size: 10,
	}); err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}

	if _, err := h.svc.RevertFileEntry(ctx, 1, entry.ID, "1.1"); !errors.Is(err, ErrInvalidFileVersion) {
		t.Fatalf("reverting to the latest version: expected ErrInvalidFileVersion, got %v", err)
	}

	reverted, err := h.svc.RevertFileEntry(ctx, 1, entry.ID, VersionDefault)
	if err != nil {
		t.Fatalf("RevertFileEntry() error = %v", err)
	}
	if reverted.Version != "2.0" || reverted.Description != "first" {
		t.Fatalf("unexpected reverted entry %+v", reverted)
	}
	if got := h.read(t, entry.ID, ""); got != "hello" {
		t.Fatalf("content = %q", got)
	}
	v, _ := h.store.version(entry.ID, "2.0")
	if v.ChangeLog != "Reverted to 1.0" || v.Metadata["lang"] != "en" {
		t.Fatalf("unexpected version %+v", v)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
}

func TestGetFileAsStreamCountsViews(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	rc, err := h.svc.GetFileAsStream(ctx, 2, entry.ID, "", true)
	if err != nil {
		t.Fatalf("GetFileAsStream() error = %v", err)
	}
	rc.Close()

	viewed, _ := h.svc.GetFileEntry(ctx, entry.ID)
	if viewed.ReadCount != 1 {
		t.Fatalf("read count = %d, want 1", viewed.ReadCount)
	}
	last := h.activities.enqueued[len(h.activities.enqueued)-1]
	if last.Type != ActivityViewFileEntry || last.UserID != 2 || last.ClassPK != entry.ID {
		t.Fatalf("unexpected activity %+v", last)
	}

	if _, err := h.svc.GetFileAsStream(ctx, 2, entry.ID, "9.9", false); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected blob.ErrNotFound, got %v", err)
	}
}

func TestDeleteFileEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	if err := h.svc.DeleteFileEntry(ctx, 1, entry.ID); err != nil {
		t.Fatalf("DeleteFileEntry() error = %v", err)
	}
	if _, err := h.svc.GetFileEntry(ctx, entry.ID); err == nil {
		t.Fatal("entry should be gone")
	}
	if versions, _ := h.store.ListFileVersions(ctx, entry.ID); len(versions) != 0 {
		t.Fatalf("versions should be gone, got %d", len(versions))
	}
	if has, _ := h.blobs.Has(ctx, blobName(entry), VersionDefault); has {
		t.Fatal("bytes should be gone")
	}
	if len(h.activities.deleted) != 1 || h.activities.deleted[0] != entry.ID {
		t.Fatalf("expected counters deleted, got %v", h.activities.deleted)
	}
	if _, ok := h.index.indexed[entry.ID]; ok {
		t.Fatal("entry should leave the index")
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
}

func TestDeleteFileEntriesSkipsTrash(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.addFile(t, 0, "a.txt", "a")
	trashed := h.addFile(t, 0, "b.txt", "b")
	h.addFile(t, 0, "c.txt", "c")
	if _, err := h.svc.MoveToTrash(ctx, 1, trashed.ID); err != nil {
		t.Fatalf("MoveToTrash() error = %v", err)
	}

	deleted, err := h.svc.DeleteFileEntries(ctx, 1, 0, false)
	if err != nil || deleted != 2 {
		t.Fatalf("DeleteFileEntries() = %d, %v; want 2", deleted, err)
	}
	remaining, _ := h.svc.ListFileEntries(ctx, 1, 0, 0, 0)
	if len(remaining) != 1 || remaining[0].ID != trashed.ID {
		t.Fatalf("expected only the trashed entry left, got %+v", remaining)
	}

	deleted, err = h.svc.DeleteFileEntries(ctx, 1, 0, true)
	if err != nil || deleted != 1 {
		t.Fatalf("DeleteFileEntries(includeTrashed) = %d, %v; want 1", deleted, err)
	}
}

func TestHistoryListsBlobCommits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")
	if _, err := h.update(1, entry, "hello world", ActionPublish); err != nil {
		t.Fatalf("UpdateFileEntry() error = %v", err)
	}

	revisions, err := h.svc.History(ctx, entry.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) < 2 {
		t.Fatalf("expected at least 2 revisions, got %+v", revisions)
	}
	if oldest := revisions[len(revisions)-1]; !strings.HasPrefix(oldest.Message, "Put 1.0") {
		t.Fatalf("oldest revision = %q, want Put 1.0", oldest.Message)
	}

	limited, err := h.svc.History(ctx, entry.ID, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit 1) = %d, %v", len(limited), err)
	}
}

func TestRetitleKeepsExtensionAndMimeType(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "report.pdf", "pdf bytes")

	renamed, err := h.svc.UpdateFileEntry(ctx, UpdateFileEntryInput{
		UserID:          1,
		FileEntryID:     entry.ID,
		Title:           "report.final",
		FileEntryTypeID: -1,
		Action:          ActionPublish,
	})
	if err != nil {
		t.Fatalf("UpdateFileEntry(retitle) error = %v", err)
	}
	if renamed.Title != "report.final" {
		t.Fatalf("title = %q", renamed.Title)
	}
	if renamed.Extension != "pdf" || renamed.MimeType != entry.MimeType {
		t.Fatalf("extension/mime changed without a new file: %q %q", renamed.Extension, renamed.MimeType)
	}
	v, ok := h.store.version(entry.ID, renamed.Version)
	if !ok || v.Extension != "pdf" || v.MimeType != entry.MimeType {
		t.Fatalf("unexpected version %+v", v)
	}
	if got := h.read(t, entry.ID, ""); got != "pdf bytes" {
		t.Fatalf("content = %q", got)
	}

	replaced, err := h.svc.UpdateFileEntry(ctx, UpdateFileEntryInput{
		UserID:          1,
		FileEntryID:     entry.ID,
		SourceFileName:  "summary.txt",
		FileEntryTypeID: -1,
		Content:         strings.NewReader("plain"),
		Size:            5,
		Action:          ActionPublish,
	})
	if err != nil {
		t.Fatalf("UpdateFileEntry(new file) error = %v", err)
	}
	if replaced.Extension != "txt" || !strings.HasPrefix(replaced.MimeType, "text/plain") {
		t.Fatalf("a new file sets extension/mime, got %q %q", replaced.Extension, replaced.MimeType)
	}
}

func TestSaveDraftKeepsPendingStatus(t *testing.T) {
	h := newHarness(t, workflow.Review{})
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	first, _ := h.store.version(entry.ID, VersionDefault)
	if _, err := h.svc.UpdateStatus(ctx, 2, first.ID, store.StatusApproved); err != nil {
		t.Fatalf("UpdateStatus(approved) error = %v", err)
	}
	if _, err := h.update(1, entry, "second", ActionPublish); err != nil {
		t.Fatalf("UpdateFileEntry(publish) error = %v", err)
	}
	pending, ok := h.store.version(entry.ID, "1.1")
	if !ok || pending.Status != store.StatusPending {
		t.Fatalf("expected pending 1.1, got %+v (found %v)", pending, ok)
	}

	current, err := h.update(1, entry, "edited", ActionSaveDraft)
	if err != nil {
		t.Fatalf("UpdateFileEntry(save draft) error = %v", err)
	}
	if current.Version != VersionDefault {
		t.Fatalf("pending edits must not become current, entry at %s", current.Version)
	}
	edited, _ := h.store.version(entry.ID, "1.1")
	if edited.Status != store.StatusPending || edited.StatusByUserID != pending.StatusByUserID {
		t.Fatalf("save draft changed the review status: %+v", edited)
	}
	if got := h.read(t, entry.ID, "1.1"); got != "edited" {
		t.Fatalf("content = %q", got)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("lock should be released")
	}
}

func TestExpiredLockIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{Expiration: time.Minute}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	stale, err := h.locks.Get(ctx, store.ClassFileEntry, entryKey(entry.ID))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := h.svc.CheckOut(ctx, 2, entry.ID, CheckOutOptions{}); !errors.Is(err, lock.ErrDuplicateLock) {
		t.Fatalf("expected ErrDuplicateLock before expiry, got %v", err)
	}

	h.redis.FastForward(2 * time.Minute)

	if err := h.svc.UnlockFileEntry(ctx, entry.ID, stale.UUID); err != nil {
		t.Fatalf("UnlockFileEntry(expired) error = %v", err)
	}
	if _, err := h.svc.CheckOut(ctx, 2, entry.ID, CheckOutOptions{}); err != nil {
		t.Fatalf("CheckOut() after expiry error = %v", err)
	}
	if err := h.svc.CheckInWithLock(ctx, 1, entry.ID, stale.UUID, CheckInOptions{}); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected ErrInvalidLock for the expired lock, got %v", err)
	}

	current, err := h.locks.Get(ctx, store.ClassFileEntry, entryKey(entry.ID))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if current.UserID != 2 || current.UUID == stale.UUID {
		t.Fatalf("unexpected lock %+v", current)
	}
	if err := h.svc.CheckInWithLock(ctx, 2, entry.ID, current.UUID, CheckInOptions{}); err != nil {
		t.Fatalf("CheckInWithLock() error = %v", err)
	}
	if h.locked(t, entry.ID) {
		t.Fatal("check-in should release the lock")
	}
}

func TestFailedCheckOutReleasesLock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := h.addFile(t, 0, "notes.txt", "hello")

	h.store.insertVersionFn = func(v store.FileVersion) error {
		if v.Version == PrivateWorkingCopy {
			return errors.New("insert failed")
		}
		return nil
	}
	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{}); err == nil {
		t.Fatal("expected CheckOut() to fail")
	}
	if h.locked(t, entry.ID) {
		t.Fatal("a failed check-out must not leave the entry locked")
	}

	held, err := h.svc.LockFileEntry(ctx, 1, entry.ID, "", 0)
	if err != nil {
		t.Fatalf("LockFileEntry() error = %v", err)
	}
	if _, err := h.svc.CheckOut(ctx, 1, entry.ID, CheckOutOptions{}); err == nil {
		t.Fatal("expected CheckOut() to fail")
	}
	l, err := h.locks.Get(ctx, store.ClassFileEntry, entryKey(entry.ID))
	if err != nil || l.UUID != held.UUID {
		t.Fatalf("a lock held before the check-out must survive, got %+v, %v", l, err)
	}

	h.store.insertVersionFn = nil
	if err := h.svc.UnlockFileEntry(ctx, entry.ID, held.UUID); err != nil {
		t.Fatalf("UnlockFileEntry() error = %v", err)
	}
	if _, err := h.svc.CheckOut(ctx, 2, entry.ID, CheckOutOptions{}); err != nil {
		t.Fatalf("CheckOut() by another user error = %v", err)
	}
}
