// Package cache provides the platform-scoped WorkflowDefinition cache C4
// reads on every dispatch. Grounded on persistence.go's bbolt-open-and-bucket
// pattern (NewWorkflowStore): a durable embedded store snapshots definitions
// so a restart doesn't require re-fetching them from the platform-definition
// CRUD layer (out of scope per the spec's Non-goals) before the first
// workflow can be dispatched, with a plain in-memory map doing the hot path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/definitions"
)

var bucketDefinitions = []byte("definitions")

// DefinitionCache is a process-local, bbolt-backed cache of workflow
// definitions keyed by "platform_id/workflow_type" ("legacy" stands in for
// an absent platform id, matching §3's "absent ⇒ legacy" rule).
type DefinitionCache struct {
	db *bbolt.DB
	mu sync.RWMutex
	hot map[string]definitions.Definition

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// Open opens (creating if absent) the bbolt file at path and warms the
// in-memory map from it.
func Open(path string, meter metric.Meter) (*DefinitionCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDefinitions)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}

	hits, _ := meter.Int64Counter("orch_definition_cache_hits_total")
	misses, _ := meter.Int64Counter("orch_definition_cache_misses_total")
	c := &DefinitionCache{db: db, hot: make(map[string]definitions.Definition), hits: hits, misses: misses}
	if err := c.warm(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *DefinitionCache) Close() error {
	return c.db.Close()
}

func key(platformID, workflowType string) string {
	if platformID == "" {
		platformID = "legacy"
	}
	return platformID + "/" + workflowType
}

func (c *DefinitionCache) warm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDefinitions)
		return b.ForEach(func(k, v []byte) error {
			var def definitions.Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("cache: unmarshal %s: %w", k, err)
			}
			c.hot[string(k)] = def
			return nil
		})
	})
}

// Get returns the cached definition for (platformID, workflowType), or
// ok=false on a miss — the "none" result get_definition's contract permits,
// which lets the caller fall through to the legacy static table.
func (c *DefinitionCache) Get(platformID, workflowType string) (definitions.Definition, bool) {
	c.mu.RLock()
	def, ok := c.hot[key(platformID, workflowType)]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(context.Background(), 1)
	} else {
		c.misses.Add(context.Background(), 1)
	}
	return def, ok
}

// Put persists def both to the hot map and to bbolt, so a subsequent process
// restart sees it without needing the CRUD layer to push it again. The
// definition is validated first: a structurally broken one (duplicate stage
// names, zero weight sum) must never become readable, since every progress
// computation downstream assumes those invariants hold.
func (c *DefinitionCache) Put(def definitions.Definition) error {
	k := key(def.PlatformID, def.WorkflowType)
	if res := definitions.Validate(def); !res.Valid {
		return fmt.Errorf("cache: invalid definition %s: %s", k, strings.Join(res.Errors, "; "))
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", k, err)
	}
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDefinitions).Put([]byte(k), data)
	}); err != nil {
		return fmt.Errorf("cache: put %s: %w", k, err)
	}
	c.mu.Lock()
	c.hot[k] = def
	c.mu.Unlock()
	return nil
}

// Invalidate clears a single entry; Clear drops everything — §3's "a
// platform-scoped cache... invalidates on explicit clear" behavior.
func (c *DefinitionCache) Invalidate(platformID, workflowType string) error {
	k := key(platformID, workflowType)
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDefinitions).Delete([]byte(k))
	}); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", k, err)
	}
	c.mu.Lock()
	delete(c.hot, k)
	c.mu.Unlock()
	return nil
}

func (c *DefinitionCache) Clear() error {
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketDefinitions); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketDefinitions)
		return err
	}); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	c.mu.Lock()
	c.hot = make(map[string]definitions.Definition)
	c.mu.Unlock()
	return nil
}
