package record

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestRecorder(t *testing.T) (*RedisRecorder, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	r, err := NewRedis("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRecordAndLoad(t *testing.T) {
	r, mr := newTestRecorder(t)
	ctx := context.Background()

	in := Outcome{GameID: "g1", Status: "mate", Winner: "white"}
	if err := r.Record(ctx, in); err != nil {
		t.Fatalf("Record: %v", err)
	}

	out, err := r.Load(ctx, "g1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out == nil || out.Status != "mate" || out.Winner != "white" {
		t.Fatalf("loaded outcome mismatch: %+v", out)
	}
	if out.FinishedAt.IsZero() {
		t.Fatalf("FinishedAt not stamped")
	}

	if !mr.Exists("liobot:outcome:index") {
		t.Fatalf("index set missing")
	}
	members, err := mr.SMembers("liobot:outcome:index")
	if err != nil || len(members) != 1 || members[0] != "g1" {
		t.Fatalf("index members: %v (%v)", members, err)
	}

	// Stored outcomes expire rather than accumulate forever.
	ttl := mr.TTL("liobot:outcome:g1")
	if ttl <= 0 || ttl > outcomeTTL {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestLoadMissing(t *testing.T) {
	r, _ := newTestRecorder(t)
	out, err := r.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil for missing outcome, got %+v", out)
	}
}

func TestRecordKeepsExplicitTimestamp(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := r.Record(ctx, Outcome{GameID: "g2", Status: "resign", Aborted: false, FinishedAt: at}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	out, err := r.Load(ctx, "g2")
	if err != nil || out == nil {
		t.Fatalf("Load: %v", err)
	}
	if !out.FinishedAt.Equal(at) {
		t.Fatalf("timestamp rewritten: %v", out.FinishedAt)
	}
}

func TestNopRecorder(t *testing.T) {
	r := NewNop()
	if err := r.Record(context.Background(), Outcome{GameID: "g1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("parseRedisURL: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := parseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected error on non-redis scheme")
	}
}
