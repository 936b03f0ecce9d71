package ringbuf

import (
	"bytes"
	"testing"
	"time"
)

func TestPushAssignsMonotoneSeq(t *testing.T) {
	r := New(0, 0, 0)
	s1 := r.Push([]byte("a"))
	s2 := r.Push([]byte("b"))
	if s1 != 1 || s2 != 2 {
		t.Fatalf("got seqs %d, %d; want 1, 2", s1, s2)
	}
}

func TestSnapshotSinceReturnsExactSuffix(t *testing.T) {
	r := New(0, 0, 0)
	for i := 0; i < 5; i++ {
		r.Push([]byte{byte('a' + i)})
	}
	chunks, ok := r.SnapshotSince(2)
	if !ok {
		t.Fatal("expected ok=true, no eviction has happened")
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		wantSeq := uint64(3 + i)
		if c.Seq != wantSeq {
			t.Fatalf("chunk %d has seq %d, want %d", i, c.Seq, wantSeq)
		}
	}
}

func TestSnapshotSinceDetectsGapAfterEviction(t *testing.T) {
	r := New(0, 3, 0) // hold at most 3 entries
	for i := 0; i < 10; i++ {
		r.Push([]byte{byte('a' + i)})
	}
	// front is now seq 8 (10 pushes, 3 retained: 8, 9, 10)
	if front := r.FrontSeq(); front != 8 {
		t.Fatalf("front seq = %d, want 8", front)
	}
	if _, ok := r.SnapshotSince(3); ok {
		t.Fatal("expected gap (ok=false) for a seq older than front-1")
	}
	if _, ok := r.SnapshotSince(7); !ok {
		t.Fatal("expected no gap when last_seq == front-1")
	}
}

func TestSnapshotTailBoundedByMaxBytes(t *testing.T) {
	r := New(0, 0, 0)
	r.Push([]byte("hello "))
	r.Push([]byte("world"))
	data, firstSeq := r.SnapshotTail(5)
	if !bytes.Equal(data, []byte("world")) {
		t.Fatalf("got %q, want %q", data, "world")
	}
	if firstSeq != 2 {
		t.Fatalf("firstSeq = %d, want 2", firstSeq)
	}
}

func TestEvictionByByteBudget(t *testing.T) {
	r := New(10, 0, 0)
	r.Push([]byte("12345"))
	r.Push([]byte("67890"))
	r.Push([]byte("x")) // pushes total bytes to 11, over budget of 10
	all := r.SnapshotAll()
	if bytes.Contains(all, []byte("1")) {
		t.Fatalf("expected oldest chunk evicted, got %q", all)
	}
}

func TestEvictionByAge(t *testing.T) {
	r := New(0, 0, time.Millisecond)
	r.Push([]byte("old"))
	time.Sleep(5 * time.Millisecond)
	r.Push([]byte("new"))
	all := r.SnapshotAll()
	if !bytes.Equal(all, []byte("new")) {
		t.Fatalf("got %q, want %q", all, "new")
	}
}
