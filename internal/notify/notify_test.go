package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fieldline/internal/apperr"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/migrate"
	"fieldline/internal/notify"
	"fieldline/internal/repo"
)

func newFanout(t *testing.T) notify.Fanout {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return notify.Fanout{
		Repo: repo.New(conn),
		Now:  func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func ptr(s string) *string { return &s }

func emit(t *testing.T, f notify.Fanout, assignee, bucket string, count int) domain.Notification {
	t.Helper()
	n, err := f.Emit(context.Background(), nil, domain.Notification{
		ActorID: "tl-1", AssigneeID: ptr(assignee), BucketID: ptr(bucket), Count: count, Kind: domain.NotificationAssignment,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return n
}

func TestEmitAndListByAudience(t *testing.T) {
	f := newFanout(t)
	ctx := context.Background()
	emit(t, f, "agent-x", "bkt-1", 3)
	emit(t, f, "agent-y", "bkt-1", 1)
	emit(t, f, "agent-x", "bkt-2", 2)
	if _, err := f.Emit(ctx, nil, domain.Notification{ActorID: "sys", Count: 1, Kind: "callfile_approved", BucketID: ptr("bkt-1")}); err != nil {
		t.Fatalf("emit other kind: %v", err)
	}

	mine, err := f.List(ctx, notify.Filter{Kind: domain.NotificationAssignment, AssigneeID: "agent-x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine.Items) != 2 || mine.Items[0].Count != 2 || mine.Items[1].Count != 3 {
		t.Fatalf("assignee view newest first expected, got %+v", mine.Items)
	}
	bucket, err := f.List(ctx, notify.Filter{Kind: domain.NotificationAssignment, BucketID: "bkt-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bucket.Items) != 2 {
		t.Fatalf("supervisor view expected 2 assignment items, got %d", len(bucket.Items))
	}
	if bucket.Items[0].CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected created_at %s", bucket.Items[0].CreatedAt)
	}
}

func TestListPagesWithCursor(t *testing.T) {
	f := newFanout(t)
	for i := 1; i <= 5; i++ {
		emit(t, f, "agent-x", "bkt-1", i)
	}
	var counts []int
	var cursor int64
	pages := 0
	for {
		page, err := f.List(context.Background(), notify.Filter{AssigneeID: "agent-x", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatal(err)
		}
		pages++
		for _, n := range page.Items {
			counts = append(counts, n.Count)
		}
		if page.NextCursor == 0 {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
	want := []int{5, 4, 3, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("expected %v, got %v", want, counts)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, counts)
		}
	}
}

func TestEmitValidates(t *testing.T) {
	f := newFanout(t)
	_, err := f.Emit(context.Background(), nil, domain.Notification{ActorID: "tl-1", Count: 1})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for missing kind, got %v", err)
	}
	_, err = f.Emit(context.Background(), nil, domain.Notification{Kind: domain.NotificationAssignment, Count: 1})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for missing actor, got %v", err)
	}
}

func TestRelayMirrorsIntoStreams(t *testing.T) {
	f := newFanout(t)
	mr := miniredis.RunT(t)
	client, err := notify.NewRedisClient("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	relay := notify.Relay{Repo: f.Repo, Redis: client, Prefix: "fl:test", Batch: 2, MaxLen: 100}
	ctx := context.Background()

	emit(t, f, "agent-x", "bkt-1", 3)
	emit(t, f, "agent-y", "bkt-1", 1)
	emit(t, f, "agent-x", "bkt-2", 2)

	sent, err := relay.Pump(ctx)
	if err != nil || sent != 2 {
		t.Fatalf("first pump: sent=%d err=%v", sent, err)
	}
	sent, err = relay.Pump(ctx)
	if err != nil || sent != 1 {
		t.Fatalf("second pump: sent=%d err=%v", sent, err)
	}
	sent, err = relay.Pump(ctx)
	if err != nil || sent != 0 {
		t.Fatalf("idle pump: sent=%d err=%v", sent, err)
	}

	entries, err := client.XRange(ctx, relay.StreamKey(domain.NotificationAssignment), "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 stream entries, got %d", len(entries))
	}
	if entries[0].Values["assignee_id"] != "agent-x" || entries[0].Values["count"] != "3" {
		t.Fatalf("unexpected first entry %v", entries[0].Values)
	}

	cursor, err := relay.Cursor(ctx)
	if err != nil || cursor != 3 {
		t.Fatalf("expected cursor 3, got %d err=%v", cursor, err)
	}

	// A fresh relay resumes from the stored cursor.
	emit(t, f, "agent-y", "bkt-2", 4)
	restarted := notify.Relay{Repo: f.Repo, Redis: client, Prefix: "fl:test"}
	if sent, err := restarted.Pump(ctx); err != nil || sent != 1 {
		t.Fatalf("restarted pump: sent=%d err=%v", sent, err)
	}
	n, err := client.XLen(ctx, relay.StreamKey(domain.NotificationAssignment)).Result()
	if err != nil || n != 4 {
		t.Fatalf("expected 4 entries, got %d err=%v", n, err)
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	f := newFanout(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	emit(t, f, "agent-x", "bkt-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	relay := notify.Relay{Repo: f.Repo, Redis: client, Interval: 10 * time.Millisecond}
	go func() { done <- relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := client.XLen(context.Background(), relay.StreamKey(domain.NotificationAssignment)).Result()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay did not publish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}

func TestRelayPicksUpLateCommittedIDs(t *testing.T) {
	f := newFanout(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	relay := notify.Relay{Repo: f.Repo, Redis: client, Prefix: "fl:late", Window: 10}
	ctx := context.Background()
	insert := func(id int64, count int) {
		t.Helper()
		if _, err := f.Repo.DB.ExecContext(ctx, `INSERT INTO notifications(id,actor_id,assignee_id,bucket_id,count,kind,created_at)
VALUES (?,?,?,?,?,?,?)`, id, "tl-1", "agent-x", "bkt-1", count, domain.NotificationAssignment, "2024-01-01T00:00:00Z"); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}

	emit(t, f, "agent-x", "bkt-1", 1)
	insert(3, 3)
	if sent, err := relay.Pump(ctx); err != nil || sent != 2 {
		t.Fatalf("first pump: sent=%d err=%v", sent, err)
	}
	// id 2 becomes visible only after id 3 was relayed.
	insert(2, 2)
	if sent, err := relay.Pump(ctx); err != nil || sent != 1 {
		t.Fatalf("second pump: sent=%d err=%v", sent, err)
	}
	if sent, err := relay.Pump(ctx); err != nil || sent != 0 {
		t.Fatalf("idle pump: sent=%d err=%v", sent, err)
	}
	if cursor, err := relay.Cursor(ctx); err != nil || cursor != 3 {
		t.Fatalf("expected cursor 3, got %d err=%v", cursor, err)
	}

	entries, err := client.XRange(ctx, relay.StreamKey(domain.NotificationAssignment), "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	var counts []string
	for _, e := range entries {
		counts = append(counts, e.Values["count"].(string))
	}
	if len(counts) != 3 || counts[0] != "1" || counts[1] != "3" || counts[2] != "2" {
		t.Fatalf("expected each notification once, got counts %v", counts)
	}
}
