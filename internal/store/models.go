package store

import "time"

// Status is the workflow status of a file version.
type Status int

const (
	StatusAny      Status = -1
	StatusApproved Status = 0
	StatusPending  Status = 1
	StatusDraft    Status = 2
	StatusDenied   Status = 4
	StatusInTrash  Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusApproved:
		return "approved"
	case StatusPending:
		return "pending"
	case StatusDraft:
		return "draft"
	case StatusDenied:
		return "denied"
	case StatusInTrash:
		return "in_trash"
	case StatusAny:
		return "any"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(value string) (Status, bool) {
	for _, s := range []Status{StatusApproved, StatusPending, StatusDraft, StatusDenied, StatusInTrash} {
		if s.String() == value {
			return s, true
		}
	}
	return 0, false
}

// Class names registered in class_names.
const (
	ClassFileEntry = "doclib.FileEntry"
	ClassFolder    = "doclib.Folder"
	ClassUser      = "doclib.User"
)

type User struct {
	ID        int64
	Name      string
	Default   bool
	Active    bool
	CreatedAt time.Time
}

type Folder struct {
	ID           int64
	GroupID      int64
	ParentID     int64
	UserID       int64
	Name         string
	LastPostDate *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type FileEntry struct {
	ID                    int64
	GroupID               int64
	FolderID              int64
	UserID                int64
	UserName              string
	VersionUserID         int64
	VersionUserName       string
	Name                  string
	Extension             string
	MimeType              string
	Title                 string
	Description           string
	FileEntryTypeID       int64
	Version               string
	Size                  int64
	ReadCount             int64
	ManualCheckInRequired bool
	CreatedAt             time.Time
	ModifiedAt            time.Time
}

type FileVersion struct {
	ID               int64
	GroupID          int64
	FolderID         int64
	FileEntryID      int64
	UserID           int64
	UserName         string
	Extension        string
	MimeType         string
	Title            string
	Description      string
	ChangeLog        string
	FileEntryTypeID  int64
	Version          string
	Size             int64
	Checksum         string
	Status           Status
	StatusByUserID   int64
	StatusByUserName string
	StatusDate       *time.Time
	Metadata         map[string]string
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

func (v FileVersion) IsApproved() bool { return v.Status == StatusApproved }

// TrashEntry records the statuses a file entry's versions had before
// they were moved to the trash.
type TrashEntry struct {
	ID          int64
	GroupID     int64
	FileEntryID int64
	UserID      int64
	Status      Status
	Versions    []TrashVersion
	CreatedAt   time.Time
}

type TrashVersion struct {
	FileVersionID int64
	Status        Status
}

type ActivityCounter struct {
	ID          int64
	GroupID     int64
	ClassNameID int64
	ClassPK     int64
	Name        string
	OwnerType   int
	Current     int
	Total       int
	Grace       int
	StartPeriod int
	EndPeriod   int
	Active      bool
}

type ActivityLimit struct {
	ID                  int64
	GroupID             int64
	UserID              int64
	ClassNameID         int64
	ClassPK             int64
	ActivityType        int
	ActivityCounterName string
	// Marker is the activity day or period start the count belongs to.
	Marker int
	Count  int
}

// Asset is the owner view of a class/primary key pair.
type Asset struct {
	ClassNameID int64
	ClassPK     int64
	GroupID     int64
	UserID      int64
}
