package cache

import (
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/orchestrator-core/internal/definitions"
)

func newTestCache(t *testing.T) *DefinitionCache {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	path := filepath.Join(t.TempDir(), "definitions.db")
	c, err := Open(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	def := definitions.Definition{
		PlatformID:          "acme",
		WorkflowType:        "app",
		ProgressCalculation: definitions.Weighted,
		Stages:              []definitions.Stage{{Name: "scaffolding", ProgressWeight: 100}},
	}
	if err := c.Put(def); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := c.Get("acme", "app")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if len(got.Stages) != 1 || got.Stages[0].Name != "scaffolding" {
		t.Fatalf("unexpected roundtrip: %+v", got)
	}
}

func TestPutRejectsInvalidDefinition(t *testing.T) {
	c := newTestCache(t)
	def := definitions.Definition{
		PlatformID:   "acme",
		WorkflowType: "app",
		Stages: []definitions.Stage{
			{Name: "dup", ProgressWeight: 0},
			{Name: "dup", ProgressWeight: 0},
		},
	}
	if err := c.Put(def); err == nil {
		t.Fatal("expected invalid definition to be rejected before persisting")
	}
	if _, ok := c.Get("acme", "app"); ok {
		t.Fatal("expected nothing cached after a rejected put")
	}
}

func TestGetMissReportsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get("nope", "app")
	if ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestAbsentPlatformIDMapsToLegacyKey(t *testing.T) {
	c := newTestCache(t)
	def := definitions.Definition{WorkflowType: "app", Stages: []definitions.Stage{{Name: "a", ProgressWeight: 1}}}
	if err := c.Put(def); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := c.Get("", "app"); !ok {
		t.Fatal("expected absent platform id to resolve to the legacy key")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := newTestCache(t)
	def := definitions.Definition{PlatformID: "acme", WorkflowType: "app", Stages: []definitions.Stage{{Name: "a", ProgressWeight: 1}}}
	if err := c.Put(def); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Invalidate("acme", "app"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := c.Get("acme", "app"); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestClearDropsEverything(t *testing.T) {
	c := newTestCache(t)
	_ = c.Put(definitions.Definition{PlatformID: "a", WorkflowType: "app", Stages: []definitions.Stage{{Name: "a", ProgressWeight: 1}}})
	_ = c.Put(definitions.Definition{PlatformID: "b", WorkflowType: "app", Stages: []definitions.Stage{{Name: "a", ProgressWeight: 1}}})
	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := c.Get("a", "app"); ok {
		t.Fatal("expected clear to drop entry a")
	}
	if _, ok := c.Get("b", "app"); ok {
		t.Fatal("expected clear to drop entry b")
	}
}

func TestWarmReloadsPersistedEntries(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	path := filepath.Join(t.TempDir(), "definitions.db")

	c1, err := Open(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	def := definitions.Definition{PlatformID: "acme", WorkflowType: "app", Stages: []definitions.Stage{{Name: "a", ProgressWeight: 1}}}
	if err := c1.Put(def); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2, err := Open(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	if _, ok := c2.Get("acme", "app"); !ok {
		t.Fatal("expected definition to survive reopen")
	}
}
