package cache

import (
	"context"
	"testing"
	"time"

	"github.com/binjie09/gemini-pastebin/pkg/domain"
)

func TestLRUSetGet(t *testing.T) {
	l, err := NewLRU(8)
	if err != nil {
		t.Fatalf("NewLRU failed: %v", err)
	}
	ctx := context.Background()
	p := &domain.Paste{ID: "abc123", Content: "hello"}
	l.Set(ctx, p)
	got := l.Get(ctx, "abc123")
	if got == nil {
		t.Fatal("cached paste not found")
	}
	if got.Content != "hello" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestLRUMiss(t *testing.T) {
	l, _ := NewLRU(8)
	if got := l.Get(context.Background(), "missing"); got != nil {
		t.Errorf("expected nil for absent id, got %+v", got)
	}
}

func TestLRUExpiredEntryEvicted(t *testing.T) {
	l, _ := NewLRU(8)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	l.Set(ctx, &domain.Paste{ID: "old", ExpiresAt: &past})
	if got := l.Get(ctx, "old"); got != nil {
		t.Error("expired entry served from cache")
	}
}

func TestLRUNeverExpiring(t *testing.T) {
	l, _ := NewLRU(8)
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "forever"})
	if got := l.Get(ctx, "forever"); got == nil {
		t.Error("entry without expiry was evicted")
	}
}

func TestLRUDelete(t *testing.T) {
	l, _ := NewLRU(8)
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "bye"})
	l.Delete("bye")
	if got := l.Get(ctx, "bye"); got != nil {
		t.Error("deleted entry still cached")
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	l, _ := NewLRU(2)
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "a"})
	l.Set(ctx, &domain.Paste{ID: "b"})
	l.Set(ctx, &domain.Paste{ID: "c"})
	if got := l.Get(ctx, "a"); got != nil {
		t.Error("oldest entry survived past capacity")
	}
	if got := l.Get(ctx, "c"); got == nil {
		t.Error("newest entry was evicted")
	}
}

func TestLRUCancelledContext(t *testing.T) {
	l, _ := NewLRU(8)
	l.Set(context.Background(), &domain.Paste{ID: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := l.Get(ctx, "x"); got != nil {
		t.Error("cancelled context still served from cache")
	}
}

func TestNewLRUSizeBounds(t *testing.T) {
	if _, err := NewLRU(0); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := NewLRU(100001); err == nil {
		t.Error("expected error for oversized cache")
	}
}
