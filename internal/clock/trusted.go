package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const timeServerTimeout = 5 * time.Second

// Trusted adjusts a base clock by the offset reported by an external time server.
// The offset is refreshed at most once per interval; until the first successful
// sync the offset is zero.
type Trusted struct {
	base     Clock
	url      string
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	mu       sync.RWMutex
	offset   time.Duration
	syncedAt time.Time

	group singleflight.Group
}

func NewTrusted(base Clock, url string, interval time.Duration, log *zap.Logger) *Trusted {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &Trusted{
		base:     base,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeServerTimeout},
		log:      log.Named("clock"),
	}
}

// Now returns base time plus the cached offset. A stale offset triggers a
// background refresh; the current call never waits on the network.
func (t *Trusted) Now() time.Time {
	if t.stale() {
		go func() {
			if err := t.Refresh(context.Background()); err != nil {
				t.log.Warn("time offset refresh failed", zap.Error(err))
			}
		}()
	}
	return t.base.Now().Add(t.Offset())
}

func (t *Trusted) Offset() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offset
}

func (t *Trusted) stale() bool {
	if t.url == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.syncedAt.IsZero() || t.base.Now().Sub(t.syncedAt) >= t.interval
}

// Refresh fetches the remote timestamp and recomputes the offset when the cached
// value is older than the interval. Concurrent callers share one request.
func (t *Trusted) Refresh(ctx context.Context) error {
	if !t.stale() {
		return nil
	}
	_, err, _ := t.group.Do("offset", func() (any, error) {
		remote, err := t.fetch(ctx)
		if err != nil {
			return nil, err
		}
		local := t.base.Now()
		offset := remote.Sub(local).Truncate(time.Second)

		t.mu.Lock()
		t.offset = offset
		t.syncedAt = local
		t.mu.Unlock()

		t.log.Info("time offset synced", zap.Duration("offset", offset))
		return nil, nil
	})
	return err
}

func (t *Trusted) fetch(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, timeServerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("get time: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("time server status=%d", resp.StatusCode)
	}

	var payload struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, fmt.Errorf("decode time response: %w", err)
	}
	if payload.Timestamp <= 0 {
		return time.Time{}, fmt.Errorf("time server returned no timestamp")
	}
	return time.Unix(payload.Timestamp, 0).UTC(), nil
}
