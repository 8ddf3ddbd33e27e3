package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutMessageRevisionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := MessageDoc{ID: "m1", ChatID: "c1", Content: "hi", Status: StatusDelivered, Timestamp: time.UnixMilli(1000)}
	if err := s.PutMessage(ctx, &msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	if msg.Rev != 1 {
		t.Fatalf("expected rev 1, got %d", msg.Rev)
	}

	stale := msg
	msg.Content = "hello"
	if err := s.PutMessage(ctx, &msg); err != nil {
		t.Fatalf("PutMessage update: %v", err)
	}
	stale.Content = "lost update"
	if err := s.PutMessage(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale rev, got %v", err)
	}

	dup := MessageDoc{ID: "m1", ChatID: "c1"}
	if err := s.PutMessage(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict creating existing doc, got %v", err)
	}

	got, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "hello" || got.Rev != 2 {
		t.Fatalf("unexpected doc %+v", got)
	}
}

func TestUpdateMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := MessageDoc{ID: "m1", ChatID: "c1", Content: "a"}
	if err := s.PutMessage(ctx, &msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	updated, err := s.UpdateMessage(ctx, "m1", func(m *MessageDoc) (bool, error) {
		m.SeenBy = append(m.SeenBy, "u2")
		return true, nil
	})
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if len(updated.SeenBy) != 1 || updated.Rev != 2 {
		t.Fatalf("unexpected doc %+v", updated)
	}

	unchanged, err := s.UpdateMessage(ctx, "m1", func(m *MessageDoc) (bool, error) { return false, nil })
	if err != nil || unchanged.Rev != 2 {
		t.Fatalf("expected no-op update, got rev %d err %v", unchanged.Rev, err)
	}

	if _, err := s.UpdateMessage(ctx, "missing", func(m *MessageDoc) (bool, error) { return true, nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessagesOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"m3", "m1", "m2"} {
		ts := map[string]int64{"m1": 1000, "m2": 2000, "m3": 3000}[id]
		msg := MessageDoc{ID: id, ChatID: "c1", Timestamp: time.UnixMilli(ts), SenderID: "u1", Status: StatusDelivered}
		if i == 2 {
			msg.Status = StatusFailed
		}
		if err := s.PutMessage(ctx, &msg); err != nil {
			t.Fatalf("PutMessage %s: %v", id, err)
		}
	}
	other := MessageDoc{ID: "x", ChatID: "c2", Timestamp: time.UnixMilli(500)}
	if err := s.PutMessage(ctx, &other); err != nil {
		t.Fatalf("PutMessage other: %v", err)
	}

	all, err := s.Messages(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(all) != 3 || all[0].ID != "m1" || all[2].ID != "m3" {
		t.Fatalf("unexpected order %v", ids(all))
	}

	latest, err := s.Messages(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("Messages limit: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != "m2" || latest[1].ID != "m3" {
		t.Fatalf("expected newest two in ascending order, got %v", ids(latest))
	}

	failed, err := s.MessagesByStatus(ctx, StatusFailed)
	if err != nil || len(failed) != 1 || failed[0].ID != "m2" {
		t.Fatalf("MessagesByStatus = %v, %v", ids(failed), err)
	}
	bySender, err := s.MessagesBySender(ctx, "u1")
	if err != nil || len(bySender) != 3 {
		t.Fatalf("MessagesBySender = %v, %v", ids(bySender), err)
	}
}

func TestReplaceMessageIDKeepsAlias(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	temp := MessageDoc{ID: "temp_1", TempID: "temp_1", ChatID: "c1", Status: StatusSending}
	if err := s.PutMessage(ctx, &temp); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	if err := s.AddAlias(ctx, "rxn-1", "temp_1", AliasReaction); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}

	delivered := temp
	delivered.ID = "srv-1"
	delivered.Status = StatusDelivered
	if err := s.ReplaceMessageID(ctx, "temp_1", &delivered); err != nil {
		t.Fatalf("ReplaceMessageID: %v", err)
	}

	if _, err := s.GetMessage(ctx, "temp_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected temp doc gone, got %v", err)
	}
	for _, alias := range []string{"temp_1", "rxn-1", "srv-1"} {
		got, err := s.ResolveMessage(ctx, alias)
		if err != nil {
			t.Fatalf("ResolveMessage(%s): %v", alias, err)
		}
		if got.ID != "srv-1" || got.Status != StatusDelivered {
			t.Fatalf("ResolveMessage(%s) = %+v", alias, got)
		}
	}

	if err := s.ReplaceMessageID(ctx, "temp_1", &delivered); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second replace to fail with ErrNotFound, got %v", err)
	}
}

func TestRemoveMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := MessageDoc{ID: "temp_2", ChatID: "c1", Status: StatusFailed}
	if err := s.PutMessage(ctx, &msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	if err := s.RemoveMessage(ctx, "temp_2"); err != nil {
		t.Fatalf("RemoveMessage: %v", err)
	}
	if err := s.RemoveMessage(ctx, "temp_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChatsOrderedByActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, chat := range []ChatDoc{
		{ID: "old", Name: "Old", LastMessageAt: time.UnixMilli(1000)},
		{ID: "new", Name: "New", LastMessageAt: time.UnixMilli(5000)},
	} {
		chat := chat
		if err := s.PutChat(ctx, &chat); err != nil {
			t.Fatalf("PutChat: %v", err)
		}
	}

	chats, err := s.Chats(ctx)
	if err != nil {
		t.Fatalf("Chats: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != "new" {
		t.Fatalf("unexpected chats %+v", chats)
	}

	updated, err := s.UpsertChat(ctx, "old", func(c *ChatDoc) (bool, error) {
		c.UnreadCount++
		c.LastMessageAt = time.UnixMilli(9000)
		return true, nil
	})
	if err != nil || updated.UnreadCount != 1 {
		t.Fatalf("UpsertChat = %+v, %v", updated, err)
	}
	chats, _ = s.Chats(ctx)
	if chats[0].ID != "old" {
		t.Fatalf("expected old chat to move to the top, got %s", chats[0].ID)
	}

	created, err := s.UpsertChat(ctx, "fresh", func(c *ChatDoc) (bool, error) {
		c.Name = "Fresh"
		return true, nil
	})
	if err != nil || created.Rev != 1 || created.Name != "Fresh" {
		t.Fatalf("UpsertChat create = %+v, %v", created, err)
	}
}

func TestChangesFeedAndWatch(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start, err := s.LastSeq(ctx)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	feed := s.Watch(ctx, start)

	msg := MessageDoc{ID: "m1", ChatID: "c1"}
	if err := s.PutMessage(ctx, &msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	chat := ChatDoc{ID: "c1"}
	if err := s.PutChat(ctx, &chat); err != nil {
		t.Fatalf("PutChat: %v", err)
	}

	var got []Change
	for len(got) < 2 {
		select {
		case c := <-feed:
			got = append(got, c)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for changes, got %+v", got)
		}
	}
	if got[0].DocID != "m1" || got[0].Type != TypeMessage || got[1].DocID != "c1" || got[1].Type != TypeChat {
		t.Fatalf("unexpected changes %+v", got)
	}

	changes, err := s.Changes(ctx, got[0].Seq)
	if err != nil || len(changes) != 1 || changes[0].DocID != "c1" {
		t.Fatalf("Changes(since) = %+v, %v", changes, err)
	}
}

func TestResetAndMeta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetMeta(ctx, "matrix.since", "s1"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if v, _ := s.GetMeta(ctx, "matrix.since"); v != "s1" {
		t.Fatalf("GetMeta = %q", v)
	}
	msg := MessageDoc{ID: "m1", ChatID: "c1"}
	if err := s.PutMessage(ctx, &msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := s.GetMessage(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected message gone after reset, got %v", err)
	}
	if v, _ := s.GetMeta(ctx, "matrix.since"); v != "" {
		t.Fatalf("expected meta cleared, got %q", v)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	defer s.Close()
	chat := ChatDoc{ID: "c1"}
	if err := s.PutChat(context.Background(), &chat); err != nil {
		t.Fatalf("PutChat: %v", err)
	}
}

func ids(msgs []MessageDoc) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
