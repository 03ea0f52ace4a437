package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = CreateULID()
	}

	for i := 0; i < total; i++ {
		if _, err := ulid.Parse(ids[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}
	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 16
	const perGoroutine = 250

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{}, goroutines*perGoroutine)
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ULIDs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestCreateULIDAtEmbedsTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)
	id := CreateULIDAt(at)

	got, ok := Time(id)
	if !ok {
		t.Fatalf("expected %s to parse", id)
	}
	if !got.Equal(at) {
		t.Fatalf("expected embedded time %v, got %v", at, got)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected garbage id to be rejected")
	}
}
