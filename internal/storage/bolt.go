package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/pacing"
)

var (
	bucketCampaigns       = []byte("campaigns")
	bucketBroadcasts      = []byte("broadcasts")
	bucketBroadcastStatus = []byte("broadcast_status")
)

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketBroadcasts, bucketBroadcastStatus} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getJSON(b *bolt.Bucket, id string, v any) error {
	data := b.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}
	return nil
}

func putJSON(b *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	return b.Put([]byte(id), data)
}

// Campaigns

// CreateCampaign stores a new campaign with Version 1
func (s *BoltStorage) CreateCampaign(ctx context.Context, c *models.RecurringCampaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("%w: campaign %s", ErrExists, c.ID)
		}
		now := time.Now().UTC()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		c.Version = 1
		return putJSON(b, c.ID, c)
	})
}

// GetCampaign retrieves a campaign by ID
func (s *BoltStorage) GetCampaign(ctx context.Context, id string) (*models.RecurringCampaign, error) {
	var c models.RecurringCampaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCampaigns), id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCampaigns returns campaigns ordered by creation time
func (s *BoltStorage) ListCampaigns(ctx context.Context, filter models.CampaignFilter) ([]*models.RecurringCampaign, error) {
	var campaigns []*models.RecurringCampaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c models.RecurringCampaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if filter.Match(&c) {
				campaigns = append(campaigns, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(campaigns, func(a, b *models.RecurringCampaign) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return page(campaigns, filter.Offset, filter.Limit), nil
}

// UpdateCampaign stores c if nobody changed it since it was read
func (s *BoltStorage) UpdateCampaign(ctx context.Context, c *models.RecurringCampaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		var stored models.RecurringCampaign
		if err := getJSON(b, c.ID, &stored); err != nil {
			return err
		}
		if stored.Version != c.Version {
			return fmt.Errorf("%w: campaign %s has version %d, update based on %d", ErrVersionConflict, c.ID, stored.Version, c.Version)
		}
		c.Version++
		c.CreatedAt = stored.CreatedAt
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now().UTC()
		}
		return putJSON(b, c.ID, c)
	})
}

// MutateCampaign applies fn to the stored campaign and writes it back
func (s *BoltStorage) MutateCampaign(ctx context.Context, id string, fn func(*models.RecurringCampaign) error) (*models.RecurringCampaign, error) {
	var c models.RecurringCampaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if err := getJSON(b, id, &c); err != nil {
			return err
		}
		version := c.Version
		if err := fn(&c); err != nil {
			return err
		}
		c.ID = id
		c.Version = version + 1
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now().UTC()
		}
		return putJSON(b, id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCampaign removes a campaign. Broadcasts it produced are kept.
func (s *BoltStorage) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// Broadcasts

// CreateBroadcast stores a new broadcast with Version 1
func (s *BoltStorage) CreateBroadcast(ctx context.Context, bc *models.Broadcast) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBroadcasts)
		if b.Get([]byte(bc.ID)) != nil {
			return fmt.Errorf("%w: broadcast %s", ErrExists, bc.ID)
		}
		now := time.Now().UTC()
		if bc.CreatedAt.IsZero() {
			bc.CreatedAt = now
		}
		if bc.UpdatedAt.IsZero() {
			bc.UpdatedAt = now
		}
		if bc.Status == "" {
			bc.Status = models.StatusDraft
		}
		bc.Version = 1
		if err := putJSON(b, bc.ID, bc); err != nil {
			return err
		}
		return tx.Bucket(bucketBroadcastStatus).Put(statusKey(bc), []byte(bc.ID))
	})
}

// GetBroadcast retrieves a broadcast by ID
func (s *BoltStorage) GetBroadcast(ctx context.Context, id string) (*models.Broadcast, error) {
	var bc models.Broadcast
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBroadcasts), id, &bc)
	})
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

// ListBroadcasts returns broadcasts ordered by creation time. A status filter is served
// from the status index.
func (s *BoltStorage) ListBroadcasts(ctx context.Context, filter models.BroadcastFilter) ([]*models.Broadcast, error) {
	var list []*models.Broadcast
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBroadcasts)
		collect := func(v []byte) {
			var bc models.Broadcast
			if err := json.Unmarshal(v, &bc); err != nil {
				return
			}
			if filter.Match(&bc) {
				list = append(list, &bc)
			}
		}

		if filter.Status == "" {
			return b.ForEach(func(k, v []byte) error {
				collect(v)
				return nil
			})
		}

		c := tx.Bucket(bucketBroadcastStatus).Cursor()
		prefix := []byte(string(filter.Status) + "/")
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			if v := b.Get(id); v != nil {
				collect(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(list, func(a, b *models.Broadcast) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return page(list, filter.Offset, filter.Limit), nil
}

// UpdateBroadcast stores bc if nobody changed it since it was read
func (s *BoltStorage) UpdateBroadcast(ctx context.Context, bc *models.Broadcast) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var stored models.Broadcast
		if err := getJSON(tx.Bucket(bucketBroadcasts), bc.ID, &stored); err != nil {
			return err
		}
		if stored.Version != bc.Version {
			return fmt.Errorf("%w: broadcast %s has version %d, update based on %d", ErrVersionConflict, bc.ID, stored.Version, bc.Version)
		}
		bc.CreatedAt = stored.CreatedAt
		return putBroadcast(tx, &stored, bc)
	})
}

// MutateBroadcast applies fn to the stored broadcast and writes it back
func (s *BoltStorage) MutateBroadcast(ctx context.Context, id string, fn func(*models.Broadcast) error) (*models.Broadcast, error) {
	var bc models.Broadcast
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getJSON(tx.Bucket(bucketBroadcasts), id, &bc); err != nil {
			return err
		}
		stored := bc.Clone()
		if err := fn(&bc); err != nil {
			return err
		}
		bc.ID = id
		bc.CreatedAt = stored.CreatedAt
		return putBroadcast(tx, stored, &bc)
	})
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

// ClaimBroadcast moves a draft or failed broadcast into processing in one transaction
func (s *BoltStorage) ClaimBroadcast(ctx context.Context, id string, from models.BroadcastStatus, plan pacing.Plan, now time.Time) (*models.Broadcast, lifecycle.Transition, error) {
	var tr lifecycle.Transition
	bc, err := s.MutateBroadcast(ctx, id, func(b *models.Broadcast) error {
		if b.Status != from {
			return fmt.Errorf("%w: broadcast %s is %s, not %s", lifecycle.ErrInvalidTransition, id, b.Status, from)
		}
		var err error
		switch from {
		case models.StatusDraft:
			tr, err = lifecycle.Start(b, plan, now)
		case models.StatusFailed:
			tr, err = lifecycle.Retry(b, plan, now)
		default:
			err = fmt.Errorf("%w: cannot claim from %s", lifecycle.ErrInvalidTransition, from)
		}
		return err
	})
	if err != nil {
		return nil, lifecycle.Transition{}, err
	}
	return bc, tr, nil
}

// putBroadcast writes next over prev, bumping the version and moving the status index
func putBroadcast(tx *bolt.Tx, prev, next *models.Broadcast) error {
	next.Version = prev.Version + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if err := putJSON(tx.Bucket(bucketBroadcasts), next.ID, next); err != nil {
		return err
	}
	idx := tx.Bucket(bucketBroadcastStatus)
	if prev.Status != next.Status {
		if err := idx.Delete(statusKey(prev)); err != nil {
			return err
		}
	}
	return idx.Put(statusKey(next), []byte(next.ID))
}

// DeleteBroadcast removes a broadcast that is not being processed
func (s *BoltStorage) DeleteBroadcast(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var bc models.Broadcast
		if err := getJSON(tx.Bucket(bucketBroadcasts), id, &bc); err != nil {
			return err
		}
		if bc.Status == models.StatusProcessing {
			return fmt.Errorf("%w: %s", ErrInUse, id)
		}
		if err := tx.Bucket(bucketBroadcastStatus).Delete(statusKey(&bc)); err != nil {
			return err
		}
		return tx.Bucket(bucketBroadcasts).Delete([]byte(id))
	})
}

// Stats returns record counts
func (s *BoltStorage) Stats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{ByStatus: make(map[models.BroadcastStatus]int64)}

	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c models.RecurringCampaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			stats.Campaigns++
			if c.IsActive {
				stats.ActiveCampaigns++
			}
			return nil
		})
		if err != nil {
			return err
		}

		// the status index is enough to count broadcasts
		return tx.Bucket(bucketBroadcastStatus).ForEach(func(k, v []byte) error {
			if i := bytes.IndexByte(k, '/'); i > 0 {
				stats.ByStatus[models.BroadcastStatus(k[:i])]++
				stats.Broadcasts++
			}
			return nil
		})
	})

	return stats, err
}

// statusKey creates a sortable index key: status/created_at/id
func statusKey(bc *models.Broadcast) []byte {
	return []byte(string(bc.Status) + "/" + bc.CreatedAt.UTC().Format(time.RFC3339Nano) + "/" + bc.ID)
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
