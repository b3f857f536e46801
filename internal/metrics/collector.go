package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
)

// StatsProvider provides record counts for the status gauges
type StatsProvider interface {
	Stats(ctx context.Context) (*models.Stats, error)
}

var bucketMetrics = []byte("metrics")

// ShadowCounters stores counter values for persistence across restarts
type ShadowCounters struct {
	Transitions   map[string]float64 `json:"transitions"`
	CampaignFires map[string]float64 `json:"campaign_fires"`
	APIRequests   map[string]float64 `json:"api_requests"`
	APIErrors     map[string]float64 `json:"api_errors"`
}

// Collector persists lifecycle counters and refreshes the gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         StatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	shadow ShadowCounters
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(db *bolt.DB, m *Metrics, stats StatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		shadow: ShadowCounters{
			Transitions:   make(map[string]float64),
			CampaignFires: make(map[string]float64),
			APIRequests:   make(map[string]float64),
			APIErrors:     make(map[string]float64),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start begins the collector background tasks. Lifecycle counters are fed from bus.
func (c *Collector) Start(ctx context.Context, bus events.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	c.wg.Add(3)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
	go func() {
		defer c.wg.Done()
		defer unsubscribe()
		c.consume(ctx, ch)
	}()
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.observe(e)
		}
	}
}

func (c *Collector) observe(e events.Event) {
	switch e.Type {
	case events.TypeBroadcastTransition:
		if tr, ok := e.Data.(lifecycle.Transition); ok {
			c.TrackTransition(string(tr.From), string(tr.To))
		}
	case events.TypeCampaignFired:
		c.TrackCampaignFire("fired")
	case events.TypeCampaignSkipped:
		c.TrackCampaignFire("skipped")
	}
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		for k, v := range shadow.Transitions {
			from, to := splitLabelKey(k)
			c.shadow.Transitions[k] = v
			c.metrics.BroadcastTransitionsTotal.WithLabelValues(from, to).Add(v)
		}
		for k, v := range shadow.CampaignFires {
			c.shadow.CampaignFires[k] = v
			c.metrics.CampaignFiresTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range shadow.APIRequests {
			method, path, status := splitTripleLabelKey(k)
			c.shadow.APIRequests[k] = v
			c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Add(v)
		}
		for k, v := range shadow.APIErrors {
			c.shadow.APIErrors[k] = v
			c.metrics.APIErrorsTotal.WithLabelValues(k).Add(v)
		}
		return nil
	})
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.shadow)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put([]byte("counters"), data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats != nil {
		stats, err := c.stats.Stats(ctx)
		if err == nil {
			c.metrics.CampaignsActive.Set(float64(stats.ActiveCampaigns))
			for _, status := range models.Statuses {
				c.metrics.BroadcastsByStatus.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
			}
		}
	}
}

// TrackTransition counts a broadcast status change
func (c *Collector) TrackTransition(from, to string) {
	c.mu.Lock()
	c.shadow.Transitions[makeLabelKey(from, to)]++
	c.mu.Unlock()
	c.metrics.BroadcastTransitionsTotal.WithLabelValues(from, to).Inc()
}

// TrackCampaignFire counts a campaign fire by result (fired, skipped)
func (c *Collector) TrackCampaignFire(result string) {
	c.mu.Lock()
	c.shadow.CampaignFires[result]++
	c.mu.Unlock()
	c.metrics.CampaignFiresTotal.WithLabelValues(result).Inc()
}

// TrackAPIRequest tracks an API request and updates shadow counter
func (c *Collector) TrackAPIRequest(method, path, status string) {
	key := makeTripleLabelKey(method, path, status)
	c.mu.Lock()
	c.shadow.APIRequests[key]++
	c.mu.Unlock()
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// TrackAPIError tracks an API error and updates shadow counter
func (c *Collector) TrackAPIError(errorType string) {
	c.mu.Lock()
	c.shadow.APIErrors[errorType]++
	c.mu.Unlock()
	c.metrics.APIErrorsTotal.WithLabelValues(errorType).Inc()
}

func makeLabelKey(a, b string) string {
	return a + "|" + b
}

func splitLabelKey(key string) (string, string) {
	a, b, _ := strings.Cut(key, "|")
	return a, b
}

func makeTripleLabelKey(a, b, c string) string {
	return a + "|" + b + "|" + c
}

func splitTripleLabelKey(key string) (string, string, string) {
	parts := strings.SplitN(key, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
