package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receiveNotice(t *testing.T, c <-chan []byte) Notice {
	t.Helper()
	select {
	case payload, ok := <-c:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		var notice Notice
		if err := json.Unmarshal(payload, &notice); err != nil {
			t.Fatalf("failed to decode notice: %v", err)
		}
		return notice
	case <-time.After(2 * time.Second):
		t.Fatal("no notice received")
	}
	return Notice{}
}

func TestLocalPublish(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := hub.Join("note-1")
	defer sub.Leave()
	other := hub.Join("note-2")
	defer other.Leave()

	hub.Publish(context.Background(), Notice{NoteID: "note-1", Version: 3, CommentVersion: 1})

	notice := receiveNotice(t, sub.C)
	if notice.NoteID != "note-1" || notice.Version != 3 || notice.CommentVersion != 1 {
		t.Errorf("notice = %+v", notice)
	}

	// The other room hears nothing.
	select {
	case payload := <-other.C:
		t.Errorf("unexpected notice in other room: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := hub.Join("note-1")
	if got := hub.RoomSize("note-1"); got != 1 {
		t.Fatalf("room size = %d, want 1", got)
	}

	sub.Leave()
	sub.Leave() // safe to call twice

	if got := hub.RoomSize("note-1"); got != 0 {
		t.Errorf("room size after leave = %d, want 0", got)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel still open after leave")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := hub.Join("note-1")

	// Overflow the subscriber's buffer without reading; the hub drops it
	// and the emptied room is removed.
	for i := 0; i < 20; i++ {
		hub.Publish(context.Background(), Notice{NoteID: "note-1", Version: i})
	}

	if got := hub.RoomSize("note-1"); got != 0 {
		t.Errorf("room size = %d, want 0 after dropping slow subscriber", got)
	}
	hub.mu.Lock()
	_, lingering := hub.rooms["note-1"]
	hub.mu.Unlock()
	if lingering {
		t.Error("empty room left behind after last subscriber dropped")
	}

	sub.Leave() // safe after the hub already dropped the channel
}

func TestRedisFanout(t *testing.T) {
	mr := miniredis.RunT(t)

	// Two hubs sharing one Redis stand in for two API nodes.
	first := NewHub(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer first.Close()
	second := NewHub(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer second.Close()

	sub := second.Join("note-1")
	defer sub.Leave()

	// Give the pattern subscriptions time to land.
	time.Sleep(100 * time.Millisecond)

	first.Publish(context.Background(), Notice{NoteID: "note-1", Version: 7})

	notice := receiveNotice(t, sub.C)
	if notice.NoteID != "note-1" || notice.Version != 7 {
		t.Errorf("notice = %+v", notice)
	}
}

func TestPingWithoutRedis(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	if err := hub.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed in local mode: %v", err)
	}
}
