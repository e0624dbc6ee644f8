package queue

import (
	"context"
	"fmt"
	"testing"
)

func TestEnqueueIsIdempotent(t *testing.T) {
	q := NewMemoryAdmission()
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "c1", "u1")
	if err != nil || !added {
		t.Fatalf("first enqueue = (%v, %v), want (true, nil)", added, err)
	}

	added, err = q.Enqueue(ctx, "c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("duplicate enqueue reported as added")
	}

	if n, _ := q.Size(ctx, "c1"); n != 1 {
		t.Fatalf("size = %d after duplicate enqueue, want 1", n)
	}
}

func TestPopOldestPreservesInsertionOrder(t *testing.T) {
	q := NewMemoryAdmission()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(ctx, "c1", fmt.Sprintf("u%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 5; i++ {
		entry, err := q.PopOldest(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if entry == nil {
			t.Fatalf("queue empty at pop %d", i)
		}
		if want := fmt.Sprintf("u%d", i); entry.UserID != want {
			t.Fatalf("pop %d = %s, want %s", i, entry.UserID, want)
		}
	}

	if entry, _ := q.PopOldest(ctx, "c1"); entry != nil {
		t.Fatalf("pop on empty queue = %+v, want nil", entry)
	}
}

func TestRequeueRestoresOriginalPosition(t *testing.T) {
	q := NewMemoryAdmission()
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		if _, err := q.Enqueue(ctx, "c1", user); err != nil {
			t.Fatal(err)
		}
	}

	head, err := q.PopOldest(ctx, "c1")
	if err != nil || head == nil || head.UserID != "u1" {
		t.Fatalf("head = %+v err = %v, want u1", head, err)
	}

	// 放回的条目带着原始入队时间，必须仍排在队首
	if err := q.Requeue(ctx, *head); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"u1", "u2", "u3"} {
		entry, err := q.PopOldest(ctx, "c1")
		if err != nil || entry == nil {
			t.Fatalf("pop = %+v err = %v", entry, err)
		}
		if entry.UserID != want {
			t.Fatalf("pop = %s, want %s", entry.UserID, want)
		}
	}
}

func TestRequeueIgnoresEntryAlreadyQueued(t *testing.T) {
	q := NewMemoryAdmission()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "c1", "u1")
	head, _ := q.PopOldest(ctx, "c1")
	_, _ = q.Enqueue(ctx, "c1", "u1")

	if err := q.Requeue(ctx, *head); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Size(ctx, "c1"); n != 1 {
		t.Fatalf("size = %d after requeue of queued user, want 1", n)
	}
}

func TestDequeueRemovesGhostEntry(t *testing.T) {
	q := NewMemoryAdmission()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "c1", "u1")
	_, _ = q.Enqueue(ctx, "c1", "u2")

	if err := q.Dequeue(ctx, "c1", "u1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Size(ctx, "c1"); n != 1 {
		t.Fatalf("size = %d after dequeue, want 1", n)
	}

	// 出队之后同一用户可以重新排队
	added, _ := q.Enqueue(ctx, "c1", "u1")
	if !added {
		t.Fatal("re-enqueue after dequeue rejected")
	}
}

func TestPurgeAllReturnsRemaining(t *testing.T) {
	q := NewMemoryAdmission()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "c1", "u1")
	_, _ = q.Enqueue(ctx, "c1", "u2")
	_, _ = q.Enqueue(ctx, "c2", "u3")

	purged, err := q.PurgeAll(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 2 {
		t.Fatalf("purged %d entries, want 2", len(purged))
	}
	if n, _ := q.Size(ctx, "c1"); n != 0 {
		t.Fatalf("size = %d after purge, want 0", n)
	}
	if n, _ := q.Size(ctx, "c2"); n != 1 {
		t.Fatalf("other coupon queue affected by purge, size = %d", n)
	}
}
