package persistence_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/go-fleet/internal/persistence"
)

// BenchmarkStartup measures cold-start time: Open plus schema migration.
func BenchmarkStartup(b *testing.B) {
	for i := 0; i < b.N; i++ {
		store, err := persistence.Open(filepath.Join(b.TempDir(), "fleet.db"))
		if err != nil {
			b.Fatalf("open: %v", err)
		}
		_ = store.Close()
	}
}

func openBenchStore(b *testing.B) *persistence.Store {
	b.Helper()
	store, err := persistence.Open(filepath.Join(b.TempDir(), "fleet.db"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}

// BenchmarkAppend measures one sequenced append.
func BenchmarkAppend(b *testing.B) {
	store := openBenchStore(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.AppendWith(ctx, alertBuilder("bench")); err != nil {
			b.Fatalf("append: %v", err)
		}
	}
}

// BenchmarkConcurrentAppend measures appends from several writers sharing the
// sequence counter.
func BenchmarkConcurrentAppend(b *testing.B) {
	store := openBenchStore(b)
	ctx := context.Background()
	const writers = 8
	b.ResetTimer()
	var wg sync.WaitGroup
	per := b.N/writers + 1
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if _, err := store.AppendWith(ctx, alertBuilder(fmt.Sprintf("w%d-%d", w, i))); err != nil {
					b.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

// BenchmarkReplay measures a full replay page read.
func BenchmarkReplay(b *testing.B) {
	store := openBenchStore(b)
	ctx := context.Background()
	for i := 0; i < persistence.DefaultReplayLimit; i++ {
		if _, err := store.AppendWith(ctx, alertBuilder("seed")); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		envs, err := store.EventsSince(ctx, 0, persistence.DefaultReplayLimit)
		if err != nil {
			b.Fatalf("replay: %v", err)
		}
		if len(envs) != persistence.DefaultReplayLimit {
			b.Fatalf("expected %d envelopes, got %d", persistence.DefaultReplayLimit, len(envs))
		}
	}
}
