package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"doclib/internal/auth"
	"doclib/internal/blob"
	"doclib/internal/dlfile"
	"doclib/internal/lock"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// validationError turns ozzo field errors into a 422 with per-field details.
func validationError(err error) error {
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		details := make(map[string]string, len(fieldErrs))
		for field, fieldErr := range fieldErrs {
			details[field] = fieldErr.Error()
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", details)
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var dupErr *lock.DuplicateLockError
	switch {
	case errors.As(err, &dupErr):
		return http.StatusConflict, "DUPLICATE_LOCK", "Locked by another user", map[string]any{
			"owner":  dupErr.Lock.Owner,
			"userId": dupErr.Lock.UserID,
		}
	case errors.Is(err, lock.ErrDuplicateLock):
		return http.StatusConflict, "DUPLICATE_LOCK", "Locked by another user", nil
	case errors.Is(err, lock.ErrNoSuchLock), errors.Is(err, lock.ErrExpiredLock):
		return http.StatusConflict, "NO_SUCH_LOCK", "Not locked", nil
	case errors.Is(err, lock.ErrInvalidLock), errors.Is(err, dlfile.ErrInvalidLock):
		return http.StatusConflict, "INVALID_LOCK", "Lock does not match", nil
	case errors.Is(err, dlfile.ErrDuplicateFile):
		return http.StatusConflict, "DUPLICATE_FILE", "A file with that title already exists in the folder", nil
	case errors.Is(err, dlfile.ErrDuplicateFolderName):
		return http.StatusConflict, "DUPLICATE_FOLDER", "A folder with that name already exists", nil
	case errors.Is(err, dlfile.ErrFileName):
		return http.StatusUnprocessableEntity, "FILE_NAME", "File name is required", nil
	case errors.Is(err, dlfile.ErrInvalidFileEntryType):
		return http.StatusUnprocessableEntity, "INVALID_FILE_ENTRY_TYPE", "File entry type is not allowed in the folder", nil
	case errors.Is(err, dlfile.ErrInvalidFileVersion):
		return http.StatusUnprocessableEntity, "INVALID_FILE_VERSION", "Invalid file version", nil
	case errors.Is(err, dlfile.ErrVersionNotApproved):
		return http.StatusUnprocessableEntity, "VERSION_NOT_APPROVED", "File version must be approved", nil
	case errors.Is(err, dlfile.ErrOnlyApprovedVersion):
		return http.StatusConflict, "ONLY_APPROVED_VERSION", "File entry must keep one approved version", nil
	case errors.Is(err, dlfile.ErrHistoryUnavailable):
		return http.StatusNotImplemented, "HISTORY_UNAVAILABLE", "Blob store does not keep history", nil
	case errors.Is(err, dlfile.ErrNoSuchFileEntry), errors.Is(err, dlfile.ErrNoSuchFileVersion),
		errors.Is(err, blob.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
