package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type txKey struct{}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// ExecTx runs fn inside a transaction carried by the context. Nested calls
// join the outer transaction.
func (s *PostgresStore) ExecTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("store: rollback failed: %v", err)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, is_default, active, created_at FROM users WHERE name = $1
	`, name).Scan(&user.ID, &user.Name, &user.Default, &user.Active, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO users (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, is_default, active, created_at
	`, name).Scan(&user.ID, &user.Name, &user.Default, &user.Active, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (User, error) {
	var user User
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, is_default, active, created_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Name, &user.Default, &user.Active, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ClassNameID(ctx context.Context, value string) (int64, error) {
	var id int64
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO class_names (value) VALUES ($1)
		ON CONFLICT (value) DO UPDATE SET value = EXCLUDED.value
		RETURNING id
	`, value).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve class name %s: %w", value, err)
	}
	return id, nil
}

func (s *PostgresStore) ClassName(ctx context.Context, id int64) (string, error) {
	var value string
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT value FROM class_names WHERE id = $1`, id).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}

// FetchAsset resolves the owner of an asset. It returns nil for unknown
// classes or rows.
func (s *PostgresStore) FetchAsset(ctx context.Context, classNameID, classPK int64) (*Asset, error) {
	className, err := s.ClassName(ctx, classNameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch asset class: %w", err)
	}

	asset := Asset{ClassNameID: classNameID, ClassPK: classPK}
	switch className {
	case ClassFileEntry:
		err = s.conn(ctx).QueryRowContext(ctx, `SELECT group_id, user_id FROM file_entries WHERE id = $1`, classPK).Scan(&asset.GroupID, &asset.UserID)
	case ClassFolder:
		err = s.conn(ctx).QueryRowContext(ctx, `SELECT group_id, user_id FROM folders WHERE id = $1`, classPK).Scan(&asset.GroupID, &asset.UserID)
	case ClassUser:
		asset.UserID = classPK
		return &asset, nil
	default:
		return nil, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	return &asset, nil
}

func (s *PostgresStore) InsertFolder(ctx context.Context, folder *Folder) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO folders (group_id, parent_id, user_id, name)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, folder.GroupID, folder.ParentID, folder.UserID, folder.Name).Scan(&folder.ID, &folder.CreatedAt, &folder.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

const folderColumns = `id, group_id, parent_id, user_id, name, last_post_date, created_at, updated_at`

func scanFolder(row interface{ Scan(...any) error }) (Folder, error) {
	var f Folder
	err := row.Scan(&f.ID, &f.GroupID, &f.ParentID, &f.UserID, &f.Name, &f.LastPostDate, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func (s *PostgresStore) GetFolder(ctx context.Context, id int64) (Folder, error) {
	return scanFolder(s.conn(ctx).QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
}

func (s *PostgresStore) FetchFolderByName(ctx context.Context, groupID, parentID int64, name string) (*Folder, error) {
	folder, err := scanFolder(s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+folderColumns+` FROM folders WHERE group_id = $1 AND parent_id = $2 AND name = $3
	`, groupID, parentID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch folder by name: %w", err)
	}
	return &folder, nil
}

// TouchFolder records a post into the folder.
func (s *PostgresStore) TouchFolder(ctx context.Context, id int64, at time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `UPDATE folders SET last_post_date = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetFolderFileEntryTypes(ctx context.Context, folderID int64, typeIDs []int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM folder_file_entry_types WHERE folder_id = $1`, folderID); err != nil {
		return fmt.Errorf("clear folder file entry types: %w", err)
	}
	for _, typeID := range typeIDs {
		if _, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO folder_file_entry_types (folder_id, file_entry_type_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, folderID, typeID); err != nil {
			return fmt.Errorf("insert folder file entry type: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListFolderFileEntryTypes(ctx context.Context, folderID int64) ([]int64, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT file_entry_type_id FROM folder_file_entry_types WHERE folder_id = $1 ORDER BY file_entry_type_id
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list folder file entry types: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const fileEntryColumns = `id, group_id, folder_id, user_id, user_name, version_user_id, version_user_name,
	name, extension, mime_type, title, description, file_entry_type_id, version, size, read_count,
	manual_check_in_required, created_at, modified_at`

func scanFileEntry(row interface{ Scan(...any) error }) (FileEntry, error) {
	var e FileEntry
	err := row.Scan(
		&e.ID, &e.GroupID, &e.FolderID, &e.UserID, &e.UserName, &e.VersionUserID, &e.VersionUserName,
		&e.Name, &e.Extension, &e.MimeType, &e.Title, &e.Description, &e.FileEntryTypeID, &e.Version, &e.Size, &e.ReadCount,
		&e.ManualCheckInRequired, &e.CreatedAt, &e.ModifiedAt,
	)
	return e, err
}

func (s *PostgresStore) InsertFileEntry(ctx context.Context, e *FileEntry) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO file_entries (group_id, folder_id, user_id, user_name, version_user_id, version_user_name,
			name, extension, mime_type, title, description, file_entry_type_id, version, size, read_count,
			manual_check_in_required, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`, e.GroupID, e.FolderID, e.UserID, e.UserName, e.VersionUserID, e.VersionUserName,
		e.Name, e.Extension, e.MimeType, e.Title, e.Description, e.FileEntryTypeID, e.Version, e.Size, e.ReadCount,
		e.ManualCheckInRequired, e.CreatedAt, e.ModifiedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert file entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFileEntry(ctx context.Context, e FileEntry) error {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE file_entries SET folder_id = $2, version_user_id = $3, version_user_name = $4,
			extension = $5, mime_type = $6, title = $7, description = $8, file_entry_type_id = $9,
			version = $10, size = $11, read_count = $12, manual_check_in_required = $13, modified_at = $14
		WHERE id = $1
	`, e.ID, e.FolderID, e.VersionUserID, e.VersionUserName,
		e.Extension, e.MimeType, e.Title, e.Description, e.FileEntryTypeID,
		e.Version, e.Size, e.ReadCount, e.ManualCheckInRequired, e.ModifiedAt)
	if err != nil {
		return fmt.Errorf("update file entry: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) GetFileEntry(ctx context.Context, id int64) (FileEntry, error) {
	return scanFileEntry(s.conn(ctx).QueryRowContext(ctx, `SELECT `+fileEntryColumns+` FROM file_entries WHERE id = $1`, id))
}

func (s *PostgresStore) FetchFileEntryByTitle(ctx context.Context, groupID, folderID int64, title string) (*FileEntry, error) {
	entry, err := scanFileEntry(s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+fileEntryColumns+` FROM file_entries WHERE group_id = $1 AND folder_id = $2 AND title = $3
		ORDER BY id LIMIT 1
	`, groupID, folderID, title))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch file entry by title: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) ListFileEntries(ctx context.Context, groupID, folderID int64, offset, limit int) ([]FileEntry, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+fileEntryColumns+` FROM file_entries
		WHERE group_id = $1 AND folder_id = $2
		ORDER BY id
		OFFSET $3 LIMIT $4
	`, groupID, folderID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list file entries: %w", err)
	}
	defer rows.Close()

	entries := make([]FileEntry, 0)
	for rows.Next() {
		entry, err := scanFileEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) DeleteFileEntry(ctx context.Context, id int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM file_entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementReadCount(ctx context.Context, id, increment int64) error {
	result, err := s.conn(ctx).ExecContext(ctx, `UPDATE file_entries SET read_count = read_count + $2 WHERE id = $1`, id, increment)
	if err != nil {
		return fmt.Errorf("increment read count: %w", err)
	}
	return requireRow(result)
}

const fileVersionColumns = `id, group_id, folder_id, file_entry_id, user_id, user_name, extension, mime_type,
	title, description, change_log, file_entry_type_id, version, size, checksum, status,
	status_by_user_id, status_by_user_name, status_date, metadata, created_at, modified_at`

func scanFileVersion(row interface{ Scan(...any) error }) (FileVersion, error) {
	var (
		v        FileVersion
		metadata []byte
	)
	err := row.Scan(
		&v.ID, &v.GroupID, &v.FolderID, &v.FileEntryID, &v.UserID, &v.UserName, &v.Extension, &v.MimeType,
		&v.Title, &v.Description, &v.ChangeLog, &v.FileEntryTypeID, &v.Version, &v.Size, &v.Checksum, &v.Status,
		&v.StatusByUserID, &v.StatusByUserName, &v.StatusDate, &metadata, &v.CreatedAt, &v.ModifiedAt,
	)
	if err != nil {
		return FileVersion{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return FileVersion{}, fmt.Errorf("decode version metadata: %w", err)
		}
	}
	return v, nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode version metadata: %w", err)
	}
	return raw, nil
}

func (s *PostgresStore) InsertFileVersion(ctx context.Context, v *FileVersion) error {
	metadata, err := encodeMetadata(v.Metadata)
	if err != nil {
		return err
	}
	err = s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO file_versions (group_id, folder_id, file_entry_id, user_id, user_name, extension, mime_type,
			title, description, change_log, file_entry_type_id, version, size, checksum, status,
			status_by_user_id, status_by_user_name, status_date, metadata, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id
	`, v.GroupID, v.FolderID, v.FileEntryID, v.UserID, v.UserName, v.Extension, v.MimeType,
		v.Title, v.Description, v.ChangeLog, v.FileEntryTypeID, v.Version, v.Size, v.Checksum, v.Status,
		v.StatusByUserID, v.StatusByUserName, v.StatusDate, metadata, v.CreatedAt, v.ModifiedAt).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("insert file version: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFileVersion(ctx context.Context, v FileVersion) error {
	metadata, err := encodeMetadata(v.Metadata)
	if err != nil {
		return err
	}
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE file_versions SET folder_id = $2, user_id = $3, user_name = $4, extension = $5, mime_type = $6,
			title = $7, description = $8, change_log = $9, file_entry_type_id = $10, version = $11, size = $12,
			checksum = $13, status = $14, status_by_user_id = $15, status_by_user_name = $16, status_date = $17,
			metadata = $18, modified_at = $19
		WHERE id = $1
	`, v.ID, v.FolderID, v.UserID, v.UserName, v.Extension, v.MimeType,
		v.Title, v.Description, v.ChangeLog, v.FileEntryTypeID, v.Version, v.Size,
		v.Checksum, v.Status, v.StatusByUserID, v.StatusByUserName, v.StatusDate,
		metadata, v.ModifiedAt)
	if err != nil {
		return fmt.Errorf("update file version: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteFileVersion(ctx context.Context, id int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM file_versions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFileVersion(ctx context.Context, id int64) (FileVersion, error) {
	return scanFileVersion(s.conn(ctx).QueryRowContext(ctx, `SELECT `+fileVersionColumns+` FROM file_versions WHERE id = $1`, id))
}

func (s *PostgresStore) ListFileVersions(ctx context.Context, fileEntryID int64) ([]FileVersion, error) {
	return s.queryFileVersions(ctx, `SELECT `+fileVersionColumns+` FROM file_versions WHERE file_entry_id = $1 ORDER BY id`, fileEntryID)
}

func (s *PostgresStore) ListFileVersionsByTitle(ctx context.Context, groupID, folderID int64, title, version string) ([]FileVersion, error) {
	return s.queryFileVersions(ctx, `
		SELECT `+fileVersionColumns+` FROM file_versions
		WHERE group_id = $1 AND folder_id = $2 AND title = $3 AND version = $4
		ORDER BY id
	`, groupID, folderID, title, version)
}

func (s *PostgresStore) queryFileVersions(ctx context.Context, query string, args ...any) ([]FileVersion, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list file versions: %w", err)
	}
	defer rows.Close()

	versions := make([]FileVersion, 0)
	for rows.Next() {
		version, err := scanFileVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) InsertTrashEntry(ctx context.Context, entry *TrashEntry) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO trash_entries (group_id, file_entry_id, user_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, entry.GroupID, entry.FileEntryID, entry.UserID, entry.Status).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trash entry: %w", err)
	}
	for _, version := range entry.Versions {
		if _, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO trash_versions (trash_entry_id, file_version_id, status) VALUES ($1, $2, $3)
		`, entry.ID, version.FileVersionID, version.Status); err != nil {
			return fmt.Errorf("insert trash version: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) FetchTrashEntry(ctx context.Context, fileEntryID int64) (*TrashEntry, error) {
	var entry TrashEntry
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, group_id, file_entry_id, user_id, status, created_at FROM trash_entries WHERE file_entry_id = $1
	`, fileEntryID).Scan(&entry.ID, &entry.GroupID, &entry.FileEntryID, &entry.UserID, &entry.Status, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch trash entry: %w", err)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT file_version_id, status FROM trash_versions WHERE trash_entry_id = $1 ORDER BY file_version_id
	`, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("list trash versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version TrashVersion
		if err := rows.Scan(&version.FileVersionID, &version.Status); err != nil {
			return nil, err
		}
		entry.Versions = append(entry.Versions, version)
	}
	return &entry, rows.Err()
}

func (s *PostgresStore) DeleteTrashEntry(ctx context.Context, fileEntryID int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM trash_entries WHERE file_entry_id = $1`, fileEntryID); err != nil {
		return fmt.Errorf("delete trash entry: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
