package cron

import (
	"context"
	"testing"
	"time"
)

type memoryLockStore struct {
	values map[string]string
}

func (m *memoryLockStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryLockStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	if value, ok := m.values[key]; !ok || value != expected {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *memoryLockStore) LockKey(name string) string { return "esimhub:lock:" + name }

func TestRedisLockIsExclusiveAndOwnerChecked(t *testing.T) {
	store := &memoryLockStore{values: map[string]string{}}
	ctx := context.Background()
	first, err := NewRedisLock(store, "cron-worker", time.Minute)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	second, _ := NewRedisLock(store, "cron-worker", time.Minute)

	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatalf("second instance must not acquire a held lock")
	}

	// Simulate TTL expiry and takeover by another worker.
	store.values["esimhub:lock:cron-worker"] = "someone-else"
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values["esimhub:lock:cron-worker"] != "someone-else" {
		t.Fatalf("release must not delete a lock owned by another worker")
	}

	delete(store.values, "esimhub:lock:cron-worker")
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatalf("expected acquire after the lock was freed")
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held := store.values["esimhub:lock:cron-worker"]; held {
		t.Fatalf("expected owner release to delete the key")
	}
}
