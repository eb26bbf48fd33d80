package sidechannel

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

func TestMemorySharedByName(t *testing.T) {
	name := "chan/" + uuid.NewString()
	one := OpenMemory(name)
	two := OpenMemory(name)
	one.Set("k", "v")
	if got := two.Get("k"); got != "v" {
		t.Fatalf("expected shared value, got %q", got)
	}
	two.Remove("k")
	if got := one.Get("k"); got != "" {
		t.Fatalf("expected removed value, got %q", got)
	}
}

func TestMemoryWatchFiresOnSet(t *testing.T) {
	ch := OpenMemory("chan/" + uuid.NewString())
	var (
		mu   sync.Mutex
		keys []string
	)
	stop, err := ch.Watch(func(key string) {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ch.Set("a", "1")
	ch.Set("b", "2")
	stop()
	ch.Set("c", "3")
	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected watch to see a,b only, got %v", keys)
	}
}

func TestDirRoundTrip(t *testing.T) {
	dir := NewDir(t.TempDir(), pslog.NoopLogger())
	key := "firestore_zombie_firestore/main/example/_abc123"
	if got := dir.Get(key); got != "" {
		t.Fatalf("expected miss, got %q", got)
	}
	dir.Set(key, "1600000000000")
	if got := dir.Get(key); got != "1600000000000" {
		t.Fatalf("expected stored value, got %q", got)
	}
	dir.Remove(key)
	if got := dir.Get(key); got != "" {
		t.Fatalf("expected removed, got %q", got)
	}
	// Removing a missing key stays silent.
	dir.Remove(key)
}
