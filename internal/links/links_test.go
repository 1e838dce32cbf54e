package links

import (
	"fmt"
	"sync"
	"testing"
)

func TestCaptureDeduplicates(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	if !q.Capture("items", "https://shop.test/a", nil) {
		t.Error("first capture reported duplicate")
	}
	if q.Capture("items", "https://shop.test/a", nil) {
		t.Error("duplicate capture reported new")
	}
	if !q.Capture("pages", "https://shop.test/a", nil) {
		t.Error("same URL in another group must be new")
	}
	if q.Len("items") != 1 || q.Len("pages") != 1 {
		t.Errorf("lens = %d/%d, want 1/1", q.Len("items"), q.Len("pages"))
	}
}

func TestCaptureFirstMetadataWins(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	q.Capture("items", "https://shop.test/a", map[string]any{"rank": 1})
	q.Capture("items", "https://shop.test/a", map[string]any{"rank": 2})

	got := q.Resolve("items")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Metadata["rank"] != 1 {
		t.Errorf("rank = %v, want the first capture's value", got[0].Metadata["rank"])
	}
}

func TestCaptureCopiesMetadata(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	md := map[string]any{"rank": 1}
	q.Capture("items", "https://shop.test/a", md)
	md["rank"] = 99

	if got := q.Resolve("items")[0].Metadata["rank"]; got != 1 {
		t.Errorf("rank = %v, caller mutation leaked into the queue", got)
	}
}

func TestResolveUnknownGroup(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	if got := q.Resolve("ghost"); len(got) != 0 {
		t.Errorf("Resolve(ghost) = %v, want empty", got)
	}
}

func TestResolveKeepsCaptureOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Capture("items", fmt.Sprintf("https://shop.test/%d", i), nil)
	}
	got := q.Resolve("items")
	for i, link := range got {
		if want := fmt.Sprintf("https://shop.test/%d", i); link.URL != want {
			t.Errorf("links[%d] = %s, want %s", i, link.URL, want)
		}
	}
}

func TestConcurrentCapture(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Capture("items", fmt.Sprintf("https://shop.test/%d", i), nil)
			}
		}()
	}
	wg.Wait()

	if got := q.Len("items"); got != 50 {
		t.Errorf("Len = %d, want 50 unique links", got)
	}
}
