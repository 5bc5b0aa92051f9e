package search

import (
	"context"

	"doclib/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	FileEntryID int64  `json:"fileEntryId"`
	GroupID     int64  `json:"groupId"`
	FolderID    int64  `json:"folderId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	Extension   string `json:"extension,omitempty"`
	Version     string `json:"version"`
}

// Query describes a search request.
type Query struct {
	Text    string
	GroupID int64
	// FolderID < 0 searches every folder of the group.
	FolderID int64
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// FileEntryRecord is the data we index for a file entry.
type FileEntryRecord struct {
	ID          int64  `json:"id"`
	GroupID     int64  `json:"groupId"`
	FolderID    int64  `json:"folderId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Extension   string `json:"extension"`
	MimeType    string `json:"mimeType"`
	Version     string `json:"version"`
	UserName    string `json:"userName"`
	ModifiedAt  int64  `json:"modifiedAt"`
}

func RecordOf(entry store.FileEntry) FileEntryRecord {
	return FileEntryRecord{
		ID:          entry.ID,
		GroupID:     entry.GroupID,
		FolderID:    entry.FolderID,
		Title:       entry.Title,
		Description: entry.Description,
		Extension:   entry.Extension,
		MimeType:    entry.MimeType,
		Version:     entry.Version,
		UserName:    entry.VersionUserName,
		ModifiedAt:  entry.ModifiedAt.Unix(),
	}
}
