// Package workflow decides how a published file version reaches the
// approved status.
package workflow

import (
	"context"
	"fmt"
	"log"

	"doclib/internal/store"
)

const (
	EventAdd    = "add"
	EventUpdate = "update"
)

type Instance struct {
	UserID        int64
	GroupID       int64
	FileEntryID   int64
	FileVersionID int64
	Event         string
}

// StatusUpdater is the document library side of a workflow transition.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, userID, fileVersionID int64, status store.Status) (store.FileEntry, error)
}

type Engine interface {
	Start(ctx context.Context, inst Instance, updater StatusUpdater) error
}

// AutoApprove approves every version as soon as it is published.
type AutoApprove struct{}

func (AutoApprove) Start(ctx context.Context, inst Instance, updater StatusUpdater) error {
	if _, err := updater.UpdateStatus(ctx, inst.UserID, inst.FileVersionID, store.StatusApproved); err != nil {
		return fmt.Errorf("auto approve version %d: %w", inst.FileVersionID, err)
	}
	return nil
}

// Review parks published versions as pending until a reviewer approves or
// denies them through UpdateStatus.
type Review struct{}

func (Review) Start(ctx context.Context, inst Instance, updater StatusUpdater) error {
	if _, err := updater.UpdateStatus(ctx, inst.UserID, inst.FileVersionID, store.StatusPending); err != nil {
		return fmt.Errorf("submit version %d for review: %w", inst.FileVersionID, err)
	}
	log.Printf("workflow: version %d of entry %d pending review (%s)", inst.FileVersionID, inst.FileEntryID, inst.Event)
	return nil
}

// New returns the engine for a configured mode. Unknown modes fall back to
// auto approval.
func New(mode string) Engine {
	switch mode {
	case "review":
		return Review{}
	default:
		return AutoApprove{}
	}
}
