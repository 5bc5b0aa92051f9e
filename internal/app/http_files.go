package app

import (
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"doclib/internal/dlfile"
)

const maxUploadMemory = 32 << 20

func (s *HTTPServer) handleListFiles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	groupID, err := queryInt64(query.Get("groupId"), 0)
	if err != nil || groupID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "groupId must be a positive integer", nil)
		return
	}
	folderID, err := queryInt64(query.Get("folderId"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folderId must be an integer", nil)
		return
	}
	offset, err := queryInt(query.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
		return
	}
	limit, err := queryInt(query.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}

	entries, err := s.service.library.ListFileEntries(r.Context(), groupID, folderID, offset, limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": fileEntryViews(entries)})
}

func (s *HTTPServer) handleLookup(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	groupID, err := queryInt64(query.Get("groupId"), 0)
	if err != nil || groupID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "groupId must be a positive integer", nil)
		return
	}
	folderID, err := queryInt64(query.Get("folderId"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folderId must be an integer", nil)
		return
	}
	title := strings.TrimSpace(query.Get("title"))
	if title == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
		return
	}

	entry, err := s.service.library.GetFileEntryByTitle(r.Context(), session.UserID, groupID, folderID, title)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileEntryView(entry))
}

// handleUpload adds a file entry (fileEntryID 0) or updates one from a
// multipart form whose "file" part is optional on update.
func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session, fileEntryID int64) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart form", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	upload, err := uploadFromForm(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		upload.Content = file
		upload.Size = header.Size
		upload.FileName = firstNonEmpty(upload.FileName, header.Filename)
		upload.MimeType = firstNonEmpty(upload.MimeType, header.Header.Get("Content-Type"))
	case err == http.ErrMissingFile && fileEntryID != 0:
	case err == http.ErrMissingFile:
		upload.Content = strings.NewReader("")
	default:
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read the uploaded file", nil)
		return
	}

	if fileEntryID == 0 {
		entry, err := s.service.AddFileEntry(r.Context(), session, upload)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, fileEntryView(entry))
		return
	}
	entry, err := s.service.UpdateFileEntry(r.Context(), session, fileEntryID, upload)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileEntryView(entry))
}

func uploadFromForm(form *multipart.Form) (Upload, error) {
	value := func(key string) string {
		if values := form.Value[key]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}

	upload := Upload{
		FileName:        value("fileName"),
		MimeType:        value("mimeType"),
		Title:           value("title"),
		Description:     value("description"),
		ChangeLog:       value("changeLog"),
		FileEntryTypeID: -1,
	}
	var err error
	if upload.GroupID, err = queryInt64(value("groupId"), 0); err != nil {
		return Upload{}, fieldError("groupId must be an integer")
	}
	if upload.FolderID, err = queryInt64(value("folderId"), 0); err != nil {
		return Upload{}, fieldError("folderId must be an integer")
	}
	if upload.FileEntryTypeID, err = queryInt64(value("fileEntryTypeId"), -1); err != nil {
		return Upload{}, fieldError("fileEntryTypeId must be an integer")
	}
	if raw := value("majorVersion"); raw != "" {
		if upload.MajorVersion, err = strconv.ParseBool(raw); err != nil {
			return Upload{}, fieldError("majorVersion must be a boolean")
		}
	}
	if raw := value("draft"); raw != "" {
		if upload.Draft, err = strconv.ParseBool(raw); err != nil {
			return Upload{}, fieldError("draft must be a boolean")
		}
	}
	if raw := value("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &upload.Metadata); err != nil {
			return Upload{}, fieldError("metadata must be a JSON object of strings")
		}
	}
	return upload, nil
}

type fieldError string

func (e fieldError) Error() string { return string(e) }

func (s *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request, session Session, fileEntryID int64, parts []string) {
	ctx := r.Context()
	lib := s.service.library

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			entry, err := lib.GetFileEntry(ctx, fileEntryID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, fileEntryView(entry))
		case http.MethodPut:
			s.handleUpload(w, r, session, fileEntryID)
		case http.MethodDelete:
			if err := lib.DeleteFileEntry(ctx, session.UserID, fileEntryID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "content":
		s.handleContent(w, r, session, fileEntryID)
		return

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "versions":
		versions, err := lib.ListFileVersions(ctx, fileEntryID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(versions))
		for _, version := range versions {
			items = append(items, fileVersionView(version))
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": items})
		return

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "history":
		limit, err := queryInt(r.URL.Query().Get("limit"), 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		revisions, err := lib.History(ctx, fileEntryID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": revisions})
		return

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "versions":
		if err := lib.DeleteFileVersion(ctx, session.UserID, fileEntryID, parts[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return

	case len(parts) == 1 && parts[0] == "lock":
		s.handleFileLock(w, r, session, fileEntryID)
		return

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "lock" && parts[1] == "verify":
		valid, err := lib.VerifyFileEntryLock(ctx, fileEntryID, strings.TrimSpace(r.URL.Query().Get("uuid")))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": valid})
		return

	case r.Method == http.MethodPost && len(parts) == 1:
		s.handleFileAction(w, r, session, fileEntryID, parts[0])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleContent(w http.ResponseWriter, r *http.Request, session Session, fileEntryID int64) {
	ctx := r.Context()
	entry, err := s.service.library.GetFileEntry(ctx, fileEntryID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	countView := r.URL.Query().Get("countView") != "false"
	rc, err := s.service.library.GetFileAsStream(ctx, session.UserID, fileEntryID, strings.TrimSpace(r.URL.Query().Get("version")), countView)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(downloadName(entry.Title, entry.Extension)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("app: stream file entry %d: %v", fileEntryID, err)
	}
}

func (s *HTTPServer) handleFileAction(w http.ResponseWriter, r *http.Request, session Session, fileEntryID int64, action string) {
	ctx := r.Context()
	lib := s.service.library

	var (
		payload any
		err     error
	)
	switch action {
	case "checkout":
		var body struct {
			Owner             string `json:"owner"`
			ExpirationSeconds int    `json:"expirationSeconds"`
			ManualCheckIn     bool   `json:"manualCheckIn"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		req := LockRequest{Owner: body.Owner, ExpirationSeconds: body.ExpirationSeconds}
		if err := req.Validate(); err != nil {
			writeMappedError(w, validationError(err))
			return
		}
		entry, checkoutErr := lib.CheckOut(ctx, session.UserID, fileEntryID, dlfile.CheckOutOptions{
			Owner:         ownerOf(body.Owner, session),
			Expiration:    req.expiration(),
			ManualCheckIn: body.ManualCheckIn,
		})
		payload, err = fileEntryView(entry), checkoutErr

	case "checkin":
		var body CheckInRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, checkinErr := s.service.CheckIn(ctx, session, fileEntryID, body)
		payload, err = fileEntryView(entry), checkinErr

	case "cancel-checkout":
		entry, cancelErr := lib.CancelCheckOut(ctx, session.UserID, fileEntryID)
		payload, err = fileEntryView(entry), cancelErr

	case "revert":
		var body struct {
			Version string `json:"version"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, revertErr := lib.RevertFileEntry(ctx, session.UserID, fileEntryID, strings.TrimSpace(body.Version))
		payload, err = fileEntryView(entry), revertErr

	case "move":
		var body struct {
			FolderID *int64 `json:"folderId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.FolderID == nil || *body.FolderID < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folderId is required", nil)
			return
		}
		entry, moveErr := lib.MoveFileEntry(ctx, session.UserID, fileEntryID, *body.FolderID)
		payload, err = fileEntryView(entry), moveErr

	case "trash":
		entry, trashErr := lib.MoveToTrash(ctx, session.UserID, fileEntryID)
		payload, err = fileEntryView(entry), trashErr

	case "restore":
		entry, restoreErr := lib.RestoreFromTrash(ctx, session.UserID, fileEntryID)
		payload, err = fileEntryView(entry), restoreErr

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleFileLock(w http.ResponseWriter, r *http.Request, session Session, fileEntryID int64) {
	switch r.Method {
	case http.MethodPost:
		var body LockRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		l, err := s.service.LockFileEntry(r.Context(), session, fileEntryID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lockView(l))
	case http.MethodDelete:
		if err := s.service.library.UnlockFileEntry(r.Context(), fileEntryID, strings.TrimSpace(r.URL.Query().Get("uuid"))); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleFolderLock(w http.ResponseWriter, r *http.Request, session Session, folderID int64) {
	switch r.Method {
	case http.MethodPost:
		var body LockRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		l, err := s.service.LockFolder(r.Context(), session, folderID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lockView(l))
	case http.MethodDelete:
		if err := s.service.library.UnlockFolder(r.Context(), folderID, strings.TrimSpace(r.URL.Query().Get("uuid"))); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func downloadName(title, extension string) string {
	if extension == "" || strings.HasSuffix(strings.ToLower(title), "."+strings.ToLower(extension)) {
		return title
	}
	return title + "." + extension
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
