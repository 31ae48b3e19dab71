package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var defaultTimeServers = []string{
	"https://www.google.com",
	"https://www.cloudflare.com",
	"https://www.amazon.com",
}

// ClockSync estimates the offset between the local clock and the Date
// header of well-known servers. Announcement ages are measured on it.
type ClockSync struct {
	servers []string
	client  *http.Client
	log     *zap.Logger

	mu           sync.RWMutex
	offset       time.Duration
	lastSyncTime time.Time
	synced       bool
}

func NewClockSync(servers []string, log *zap.Logger) *ClockSync {
	if len(servers) == 0 {
		servers = defaultTimeServers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ClockSync{
		servers: servers,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.Named("clock"),
	}
}

// Sync averages the offset over every server that answers.
func (c *ClockSync) Sync(ctx context.Context) error {
	var total time.Duration
	ok := 0

	for _, server := range c.servers {
		offset, err := c.offsetFrom(ctx, server)
		if err != nil {
			c.log.Debug("time sync failed", zap.String("server", server), zap.Error(err))
			continue
		}
		total += offset
		ok++
		c.log.Debug("time offset", zap.String("server", server), zap.Duration("offset", offset))
	}

	if ok == 0 {
		return fmt.Errorf("failed to sync time with any server")
	}

	c.mu.Lock()
	c.offset = total / time.Duration(ok)
	c.lastSyncTime = time.Now()
	c.synced = true
	c.mu.Unlock()

	c.log.Info("time synchronized", zap.Duration("offset", c.Offset()))
	return nil
}

func (c *ClockSync) offsetFrom(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	before := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	after := time.Now()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return 0, fmt.Errorf("no Date header in response")
	}
	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	// Assume the server stamped the response half way through the round trip.
	latency := after.Sub(before) / 2
	return serverTime.Sub(before.Add(latency)), nil
}

// Now returns local time corrected by the last offset.
func (c *ClockSync) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced {
		return time.Now()
	}
	return time.Now().Add(c.offset)
}

func (c *ClockSync) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

func (c *ClockSync) IsSynced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// ShouldResync reports whether the last sync is older than an hour.
func (c *ClockSync) ShouldResync() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.synced || time.Since(c.lastSyncTime) > time.Hour
}

// Keep resyncs every interval until ctx ends.
func (c *ClockSync) Keep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.ShouldResync() {
				continue
			}
			if err := c.Sync(ctx); err != nil {
				c.log.Warn("time resync failed", zap.Error(err))
			}
		}
	}
}
