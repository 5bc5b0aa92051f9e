package app

import (
	"time"

	"doclib/internal/lock"
	"doclib/internal/social"
	"doclib/internal/store"
)

func folderView(folder store.Folder) map[string]any {
	return map[string]any{
		"id":           folder.ID,
		"groupId":      folder.GroupID,
		"parentId":     folder.ParentID,
		"userId":       folder.UserID,
		"name":         folder.Name,
		"lastPostDate": folder.LastPostDate,
		"createdAt":    folder.CreatedAt,
		"updatedAt":    folder.UpdatedAt,
	}
}

func fileEntryView(entry store.FileEntry) map[string]any {
	return map[string]any{
		"id":                    entry.ID,
		"groupId":               entry.GroupID,
		"folderId":              entry.FolderID,
		"userId":                entry.UserID,
		"userName":              entry.UserName,
		"versionUserId":         entry.VersionUserID,
		"versionUserName":       entry.VersionUserName,
		"extension":             entry.Extension,
		"mimeType":              entry.MimeType,
		"title":                 entry.Title,
		"description":           entry.Description,
		"fileEntryTypeId":       entry.FileEntryTypeID,
		"version":               entry.Version,
		"size":                  entry.Size,
		"readCount":             entry.ReadCount,
		"manualCheckInRequired": entry.ManualCheckInRequired,
		"createdAt":             entry.CreatedAt,
		"modifiedAt":            entry.ModifiedAt,
	}
}

func fileEntryViews(entries []store.FileEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, fileEntryView(entry))
	}
	return items
}

func fileVersionView(version store.FileVersion) map[string]any {
	metadata := version.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return map[string]any{
		"id":               version.ID,
		"fileEntryId":      version.FileEntryID,
		"version":          version.Version,
		"title":            version.Title,
		"description":      version.Description,
		"changeLog":        version.ChangeLog,
		"extension":        version.Extension,
		"mimeType":         version.MimeType,
		"size":             version.Size,
		"checksum":         version.Checksum,
		"status":           version.Status.String(),
		"statusByUserId":   version.StatusByUserID,
		"statusByUserName": version.StatusByUserName,
		"statusDate":       version.StatusDate,
		"userId":           version.UserID,
		"userName":         version.UserName,
		"metadata":         metadata,
		"createdAt":        version.CreatedAt,
	}
}

func lockView(l lock.Lock) map[string]any {
	var expiresAt *time.Time
	if l.ExpiresAt != nil {
		value := l.ExpiresAt.UTC()
		expiresAt = &value
	}
	return map[string]any{
		"uuid":        l.UUID,
		"className":   l.ClassName,
		"key":         l.Key,
		"owner":       l.Owner,
		"userId":      l.UserID,
		"inheritable": l.Inheritable,
		"createdAt":   l.CreatedAt,
		"expiresAt":   expiresAt,
	}
}

func counterView(c store.ActivityCounter) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"groupId":     c.GroupID,
		"classNameId": c.ClassNameID,
		"classPk":     c.ClassPK,
		"name":        c.Name,
		"ownerType":   c.OwnerType,
		"current":     c.Current,
		"total":       c.Total,
		"grace":       c.Grace,
		"startPeriod": c.StartPeriod,
		"endPeriod":   c.EndPeriod,
		"active":      c.Active,
	}
}

func counterViews(counters []store.ActivityCounter) []map[string]any {
	items := make([]map[string]any, 0, len(counters))
	for _, c := range counters {
		items = append(items, counterView(c))
	}
	return items
}

func rankingViews(users []social.UserCounters) []map[string]any {
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		values := make(map[string]any, len(user.Counters))
		for name, c := range user.Counters {
			values[name] = counterView(c)
		}
		items = append(items, map[string]any{
			"userId":   user.UserID,
			"counters": values,
		})
	}
	return items
}
