package dlfile

import "errors"

var (
	ErrFileName             = errors.New("file name is required")
	ErrDuplicateFile        = errors.New("a file with that title already exists in the folder")
	ErrDuplicateFolderName  = errors.New("a folder with that name already exists")
	ErrInvalidFileVersion   = errors.New("invalid file version")
	ErrInvalidFileEntryType = errors.New("file entry type is not allowed in the folder")
	ErrNoSuchFileEntry      = errors.New("no such file entry")
	ErrNoSuchFileVersion    = errors.New("no such file version")
	ErrVersionNotApproved   = errors.New("file version must be approved")
	ErrOnlyApprovedVersion  = errors.New("file entry must keep one approved version")
	ErrHistoryUnavailable   = errors.New("blob store does not keep history")
	// ErrInvalidLock is returned when a supplied lock UUID does not match.
	ErrInvalidLock = errors.New("lock uuid does not match")
)
