// Package storage persists campaigns and broadcasts in BoltDB.
//
// Every update is a compare-and-set on the record's Version inside one bolt transaction,
// so concurrent writers (trigger, send workers, API) never overwrite each other silently.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
)

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("record already exists")

	// ErrVersionConflict is returned when the stored version differs from the one the
	// caller read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInUse is returned when deleting a broadcast that is being processed.
	ErrInUse = errors.New("broadcast is processing")
)

// Store defines the record store used by the scheduler, the workers and the API
type Store interface {
	CreateCampaign(ctx context.Context, c *models.RecurringCampaign) error
	GetCampaign(ctx context.Context, id string) (*models.RecurringCampaign, error)
	ListCampaigns(ctx context.Context, filter models.CampaignFilter) ([]*models.RecurringCampaign, error)

	// UpdateCampaign stores c if its Version matches the stored one and bumps Version.
	UpdateCampaign(ctx context.Context, c *models.RecurringCampaign) error

	// MutateCampaign applies fn to the current record and stores the result in one
	// transaction. An error from fn aborts without writing.
	MutateCampaign(ctx context.Context, id string, fn func(*models.RecurringCampaign) error) (*models.RecurringCampaign, error)
	DeleteCampaign(ctx context.Context, id string) error

	CreateBroadcast(ctx context.Context, b *models.Broadcast) error
	GetBroadcast(ctx context.Context, id string) (*models.Broadcast, error)
	ListBroadcasts(ctx context.Context, filter models.BroadcastFilter) ([]*models.Broadcast, error)
	UpdateBroadcast(ctx context.Context, b *models.Broadcast) error
	MutateBroadcast(ctx context.Context, id string, fn func(*models.Broadcast) error) (*models.Broadcast, error)

	// ClaimBroadcast atomically moves a broadcast that is still in status from into
	// processing with plan locked. from must be draft (start) or failed (retry).
	ClaimBroadcast(ctx context.Context, id string, from models.BroadcastStatus, plan pacing.Plan, now time.Time) (*models.Broadcast, lifecycle.Transition, error)
	DeleteBroadcast(ctx context.Context, id string) error

	Stats(ctx context.Context) (*models.Stats, error)
	Close() error
}
