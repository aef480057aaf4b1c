package state

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMappingCache_DualKeyLookup(t *testing.T) {
	c := newMappingCache(8, time.Minute)
	m := testMapping("t1", "e1")
	c.put(m)

	if got, ok := c.get(taskKey("o1", "cal1", "t1")); !ok || got.EventID != "e1" {
		t.Errorf("task key lookup: got=%v ok=%v", got, ok)
	}
	if got, ok := c.get(eventKey("o1", "cal1", "e1")); !ok || got.TaskID != "t1" {
		t.Errorf("event key lookup: got=%v ok=%v", got, ok)
	}
	if _, ok := c.get(taskKey("o1", "cal2", "t1")); ok {
		t.Error("lookup hit across calendars")
	}
}

func TestMappingCache_TTLExpiry(t *testing.T) {
	c := newMappingCache(8, time.Minute)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.put(testMapping("t1", "e1"))
	clock = clock.Add(30 * time.Second)
	if _, ok := c.get(taskKey("o1", "cal1", "t1")); !ok {
		t.Fatal("entry expired before its TTL")
	}
	clock = clock.Add(2 * time.Minute)
	if _, ok := c.get(taskKey("o1", "cal1", "t1")); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestMappingCache_BoundedEviction(t *testing.T) {
	c := newMappingCache(2, time.Minute)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		clock = clock.Add(time.Second)
		c.put(testMapping(fmt.Sprintf("t%d", i), fmt.Sprintf("e%d", i)))
	}
	if len(c.entries) > c.size*2+1 {
		t.Errorf("cache grew past its bound: %d entries", len(c.entries))
	}
	if _, ok := c.get(taskKey("o1", "cal1", "t9")); !ok {
		t.Error("newest entry evicted")
	}
	if _, ok := c.get(taskKey("o1", "cal1", "t0")); ok {
		t.Error("oldest entry survived eviction")
	}
}

func TestMappingCache_Invalidate(t *testing.T) {
	c := newMappingCache(8, time.Minute)
	m := testMapping("t1", "e1")
	c.put(m)
	c.invalidate(m)
	if _, ok := c.get(taskKey("o1", "cal1", "t1")); ok {
		t.Error("task key survived invalidation")
	}
	if _, ok := c.get(eventKey("o1", "cal1", "e1")); ok {
		t.Error("event key survived invalidation")
	}
}

func TestStoreWithCacheDisabled(t *testing.T) {
	s := openTestStore(t, WithMappingCache(0, 0))
	ctx := context.Background()

	if err := s.UpsertMapping(ctx, testMapping("t1", "e1")); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMappingByTask(ctx, "o1", "cal1", "t1")
	if err != nil || m == nil || m.EventID != "e1" {
		t.Fatalf("lookup without cache: m=%v err=%v", m, err)
	}
}
