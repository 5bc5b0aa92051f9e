package dlfile

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"doclib/internal/social"
	"doclib/internal/store"
)

// fakeStore keeps folders, entries, versions and trash entries in memory.
// ExecTx runs fn directly; nothing is rolled back.
type fakeStore struct {
	mu          sync.Mutex
	users       map[int64]store.User
	folders     map[int64]store.Folder
	folderTypes map[int64][]int64
	entries     map[int64]store.FileEntry
	versions    map[int64]store.FileVersion
	trash       map[int64]store.TrashEntry
	nextID      int64

	insertVersionFn func(version store.FileVersion) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[int64]store.User{
			1: {ID: 1, Name: "alice", Active: true},
			2: {ID: 2, Name: "bob", Active: true},
		},
		folders:     map[int64]store.Folder{},
		folderTypes: map[int64][]int64{},
		entries:     map[int64]store.FileEntry{},
		versions:    map[int64]store.FileVersion{},
		trash:       map[int64]store.TrashEntry{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func copyVersion(v store.FileVersion) store.FileVersion {
	v.Metadata = copyMetadata(v.Metadata)
	return v
}

func (f *fakeStore) ExecTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) InsertFolder(_ context.Context, folder *store.Folder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder.ID = f.id()
	folder.CreatedAt = time.Now().UTC()
	folder.UpdatedAt = folder.CreatedAt
	f.folders[folder.ID] = *folder
	return nil
}

func (f *fakeStore) GetFolder(_ context.Context, id int64) (store.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder, ok := f.folders[id]
	if !ok {
		return store.Folder{}, sql.ErrNoRows
	}
	return folder, nil
}

func (f *fakeStore) FetchFolderByName(_ context.Context, groupID, parentID int64, name string) (*store.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, folder := range f.folders {
		if folder.GroupID == groupID && folder.ParentID == parentID && folder.Name == name {
			found := folder
			return &found, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) TouchFolder(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder, ok := f.folders[id]
	if !ok {
		return sql.ErrNoRows
	}
	folder.LastPostDate = &at
	f.folders[id] = folder
	return nil
}

func (f *fakeStore) SetFolderFileEntryTypes(_ context.Context, folderID int64, typeIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folderTypes[folderID] = append([]int64(nil), typeIDs...)
	return nil
}

func (f *fakeStore) ListFolderFileEntryTypes(_ context.Context, folderID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.folderTypes[folderID]...), nil
}

func (f *fakeStore) InsertFileEntry(_ context.Context, entry *store.FileEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = f.id()
	f.entries[entry.ID] = *entry
	return nil
}

func (f *fakeStore) UpdateFileEntry(_ context.Context, entry store.FileEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[entry.ID]; !ok {
		return sql.ErrNoRows
	}
	f.entries[entry.ID] = entry
	return nil
}

func (f *fakeStore) GetFileEntry(_ context.Context, id int64) (store.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return store.FileEntry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (f *fakeStore) FetchFileEntryByTitle(_ context.Context, groupID, folderID int64, title string) (*store.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.GroupID == groupID && entry.FolderID == folderID && entry.Title == title {
			found := entry
			return &found, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListFileEntries(_ context.Context, groupID, folderID int64, offset, limit int) ([]store.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.FileEntry
	for _, entry := range f.entries {
		if entry.GroupID == groupID && entry.FolderID == folderID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DeleteFileEntry(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	for vid, v := range f.versions {
		if v.FileEntryID == id {
			delete(f.versions, vid)
		}
	}
	return nil
}

func (f *fakeStore) IncrementReadCount(_ context.Context, id, increment int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return sql.ErrNoRows
	}
	entry.ReadCount += increment
	f.entries[id] = entry
	return nil
}

func (f *fakeStore) InsertFileVersion(_ context.Context, version *store.FileVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertVersionFn != nil {
		if err := f.insertVersionFn(*version); err != nil {
			return err
		}
	}
	version.ID = f.id()
	f.versions[version.ID] = copyVersion(*version)
	return nil
}

func (f *fakeStore) UpdateFileVersion(_ context.Context, version store.FileVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.versions[version.ID]; !ok {
		return sql.ErrNoRows
	}
	f.versions[version.ID] = copyVersion(version)
	return nil
}

func (f *fakeStore) DeleteFileVersion(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.versions, id)
	return nil
}

func (f *fakeStore) GetFileVersion(_ context.Context, id int64) (store.FileVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return store.FileVersion{}, sql.ErrNoRows
	}
	return copyVersion(v), nil
}

func (f *fakeStore) listVersions(match func(store.FileVersion) bool) []store.FileVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.FileVersion
	for _, v := range f.versions {
		if match(v) {
			out = append(out, copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) ListFileVersions(_ context.Context, fileEntryID int64) ([]store.FileVersion, error) {
	return f.listVersions(func(v store.FileVersion) bool { return v.FileEntryID == fileEntryID }), nil
}

func (f *fakeStore) ListFileVersionsByTitle(_ context.Context, groupID, folderID int64, title, version string) ([]store.FileVersion, error) {
	return f.listVersions(func(v store.FileVersion) bool {
		return v.GroupID == groupID && v.FolderID == folderID && v.Title == title && v.Version == version
	}), nil
}

func (f *fakeStore) InsertTrashEntry(_ context.Context, entry *store.TrashEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = f.id()
	f.trash[entry.FileEntryID] = *entry
	return nil
}

func (f *fakeStore) FetchTrashEntry(_ context.Context, fileEntryID int64) (*store.TrashEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.trash[fileEntryID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (f *fakeStore) DeleteTrashEntry(_ context.Context, fileEntryID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trash, fileEntryID)
	return nil
}

// version returns the stored version of an entry by label.
func (f *fakeStore) version(fileEntryID int64, label string) (store.FileVersion, bool) {
	versions := f.listVersions(func(v store.FileVersion) bool { return v.FileEntryID == fileEntryID })
	return findVersion(versions, label)
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed map[int64]store.FileEntry
	removed []int64
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{indexed: map[int64]store.FileEntry{}}
}

func (f *fakeIndexer) IndexFileEntry(entry store.FileEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[entry.ID] = entry
}

func (f *fakeIndexer) DeleteFileEntry(fileEntryID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, fileEntryID)
	f.removed = append(f.removed, fileEntryID)
}

type fakeActivities struct {
	mu       sync.Mutex
	enqueued []social.Activity
	disabled []int64
	enabled  []int64
	deleted  []int64
}

func (f *fakeActivities) Enqueue(activity social.Activity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, activity)
	return true
}

func (f *fakeActivities) DisableActivityCounters(_ context.Context, _ string, classPK int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, classPK)
	return nil
}

func (f *fakeActivities) EnableActivityCounters(_ context.Context, _ string, classPK int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, classPK)
	return nil
}

func (f *fakeActivities) DeleteActivityCounters(_ context.Context, _ string, classPK int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, classPK)
	return nil
}

func (f *fakeActivities) types() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.enqueued))
	for _, a := range f.enqueued {
		out = append(out, a.Type)
	}
	return out
}
