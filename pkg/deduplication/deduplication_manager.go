// Package deduplication detects repeated ct/open-trace calls for the
// same canonical path within a short window. The daemon only logs a
// detected repeat at debug level; the repeated open is not skipped, so
// two concurrent opens of a trace that is still loading both spawn a
// backend.
package deduplication

import (
	"container/list"
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"sync"
	"time"

	"codetracer-core/internal/metrics"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Config configures the dedup cache.
type Config struct {
	MaxCacheSize int           `yaml:"max_cache_size"`
	TTL          time.Duration `yaml:"ttl"`

	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CleanupThreshold is the cache-usage fraction above which the
	// cleanup loop evicts LRU entries even if none have expired.
	CleanupThreshold float64 `yaml:"cleanup_threshold"`

	// HashAlgorithm is one of "xxhash" (default) or "sha256".
	HashAlgorithm string `yaml:"hash_algorithm"`

	// IncludeTimestamp folds a second-truncated timestamp into the hash.
	IncludeTimestamp bool `yaml:"include_timestamp"`
	// IncludeSourceID folds the source identifier into the hash.
	IncludeSourceID bool `yaml:"include_source_id"`
}

func (c *Config) applyDefaults() {
	if c.MaxCacheSize == 0 {
		c.MaxCacheSize = 100000
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.CleanupThreshold == 0 {
		c.CleanupThreshold = 0.8
	}
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = "xxhash"
	}
}

// cacheEntry is one LRU-linked, TTL-bounded cache slot.
type cacheEntry struct {
	key       string
	hash      string
	createdAt time.Time
	hitCount  int64
}

// Stats is a snapshot of cache activity.
type Stats struct {
	TotalChecks    int64
	CacheHits      int64
	CacheMisses    int64
	Duplicates     int64
	CacheSize      int
	EvictedEntries int64
	CleanupRuns    int64
}

// DeduplicationManager is an LRU+TTL cache of recently seen
// (sourceID, message) pairs, keyed by a content hash.
type DeduplicationManager struct {
	config Config
	log    *logrus.Logger

	mu    sync.RWMutex
	byKey map[string]*list.Element
	lru   *list.List // front = most recently used, back = least
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDeduplicationManager creates a dedup cache with defaults filled in.
func NewDeduplicationManager(config Config, log *logrus.Logger) *DeduplicationManager {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &DeduplicationManager{
		config: config,
		log:    log,
		byKey:  make(map[string]*list.Element),
		lru:    list.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the background cleanup loop.
func (dm *DeduplicationManager) Start() error {
	dm.log.WithFields(logrus.Fields{
		"max_cache_size": dm.config.MaxCacheSize,
		"ttl":            dm.config.TTL,
		"hash_algorithm": dm.config.HashAlgorithm,
	}).Info("deduplication cache starting")
	go dm.cleanupLoop()
	return nil
}

// Stop halts the cleanup loop.
func (dm *DeduplicationManager) Stop() error {
	dm.cancel()
	dm.log.Info("deduplication cache stopped")
	return nil
}

// IsDuplicate reports whether (sourceID, message, timestamp) was
// already seen within the TTL window, recording it if not.
func (dm *DeduplicationManager) IsDuplicate(sourceID, message string, timestamp time.Time) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.stats.TotalChecks++
	hash := dm.hash(sourceID, message, timestamp)
	key := sourceID + "_" + hash

	if el, ok := dm.byKey[key]; ok {
		entry := el.Value.(*cacheEntry)
		dm.stats.CacheHits++

		if time.Since(entry.createdAt) > dm.config.TTL {
			dm.evict(el)
			dm.stats.CacheMisses++
			dm.insert(key, hash)
			return false
		}

		entry.hitCount++
		dm.lru.MoveToFront(el)
		dm.stats.Duplicates++
		dm.log.WithFields(logrus.Fields{"source_id": sourceID, "hash": hash[:8], "hit_count": entry.hitCount}).
			Debug("duplicate open-trace suppressed")
		return true
	}

	dm.stats.CacheMisses++
	if len(dm.byKey) >= dm.config.MaxCacheSize {
		if back := dm.lru.Back(); back != nil {
			dm.evict(back)
		}
	}
	dm.insert(key, hash)
	return false
}

// hash builds the dedup key's content hash from the configured input
// fields.
func (dm *DeduplicationManager) hash(sourceID, message string, timestamp time.Time) string {
	input := message
	if dm.config.IncludeSourceID {
		input = sourceID + "_" + input
	}
	if dm.config.IncludeTimestamp {
		input += "_" + timestamp.Truncate(time.Second).Format(time.RFC3339)
	}

	if dm.config.HashAlgorithm == "sha256" {
		sum := sha256.Sum256([]byte(input))
		return fmt.Sprintf("%x", sum)
	}
	h := xxhash.New()
	h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func (dm *DeduplicationManager) insert(key, hash string) {
	el := dm.lru.PushFront(&cacheEntry{key: key, hash: hash, createdAt: time.Now(), hitCount: 1})
	dm.byKey[key] = el
}

// evict removes el from both the map and the LRU list; caller holds dm.mu.
func (dm *DeduplicationManager) evict(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(dm.byKey, entry.key)
	dm.lru.Remove(el)
	dm.stats.EvictedEntries++
	metrics.DeduplicationCacheEvictions.Inc()
}

// cleanupLoop periodically expires stale entries and refreshes metrics.
func (dm *DeduplicationManager) cleanupLoop() {
	ticker := time.NewTicker(dm.config.CleanupInterval)
	defer ticker.Stop()
	metricsTicker := time.NewTicker(10 * time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-dm.ctx.Done():
			return
		case <-ticker.C:
			dm.cleanup()
		case <-metricsTicker.C:
			dm.publishMetrics()
		}
	}
}

// cleanup expires TTL'd entries, then evicts LRU entries if the cache
// is still above CleanupThreshold.
func (dm *DeduplicationManager) cleanup() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.stats.CleanupRuns++

	now := time.Now()
	expired := 0
	for el := dm.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*cacheEntry).createdAt) > dm.config.TTL {
			dm.evict(el)
			expired++
		}
		el = prev
	}

	thresholdEvicted := 0
	usage := float64(len(dm.byKey)) / float64(dm.config.MaxCacheSize)
	if usage > dm.config.CleanupThreshold {
		target := int(float64(dm.config.MaxCacheSize) * (dm.config.CleanupThreshold - 0.1))
		for len(dm.byKey) > target {
			back := dm.lru.Back()
			if back == nil {
				break
			}
			dm.evict(back)
			thresholdEvicted++
		}
	}

	if expired > 0 || thresholdEvicted > 0 {
		dm.log.WithFields(logrus.Fields{
			"expired": expired, "threshold_evicted": thresholdEvicted,
			"cache_size": len(dm.byKey), "cache_usage_pct": usage * 100,
		}).Debug("deduplication cache cleanup")
	}
	dm.stats.CacheSize = len(dm.byKey)
}

// GetStats returns a snapshot of cache activity.
func (dm *DeduplicationManager) GetStats() Stats {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	stats := dm.stats
	stats.CacheSize = len(dm.byKey)
	return stats
}

// publishMetrics refreshes the cache-size and hit/duplicate-rate gauges.
func (dm *DeduplicationManager) publishMetrics() {
	stats := dm.GetStats()
	metrics.DeduplicationCacheSize.Set(float64(stats.CacheSize))
	if stats.TotalChecks > 0 {
		metrics.DeduplicationCacheHitRate.Set(float64(stats.CacheHits) / float64(stats.TotalChecks))
		metrics.DeduplicationDuplicateRate.Set(float64(stats.Duplicates) / float64(stats.TotalChecks))
	}
}
