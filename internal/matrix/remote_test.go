package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"

	"github.com/mohammedshuaau/workplace/internal/docstore"
	"github.com/mohammedshuaau/workplace/internal/reconcile"
)

type memoryState struct {
	mu   sync.Mutex
	meta map[string]string
}

func (m *memoryState) GetMeta(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[key], nil
}

func (m *memoryState) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta == nil {
		m.meta = map[string]string{}
	}
	m.meta[key] = value
	return nil
}

func newTestRemote(t *testing.T, handler http.Handler, state StateStore) *Remote {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := mautrix.NewClient(server.URL, "@me:hs", "tok")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.DefaultHTTPRetries = 0
	if state == nil {
		state = &memoryState{}
	}
	return &Remote{
		client: client,
		state:  state,
		log:    zerolog.Nop(),
		self:   reconcile.Identity{UserID: "@me:hs", DisplayName: "Me"},
		now:    func() time.Time { return time.UnixMilli(42) },
		names:  map[string]string{},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestConnectResolvesDisplayName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/displayname") {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND"})
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		writeJSON(w, http.StatusOK, map[string]string{"displayname": "Ada Lovelace"})
	}))
	defer server.Close()

	remote, err := Connect(context.Background(), server.URL, "@ada_1:hs", "tok", &memoryState{}, zerolog.Nop(), WithThrottle(0))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if self := remote.Self(); self.UserID != "@ada_1:hs" || self.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected identity %+v", self)
	}
}

func TestSendUsesPendingIDAsTransactionAndRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/send/m.room.message/") {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED"})
			return
		}
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"errcode": "M_LIMIT_EXCEEDED", "error": "Too many requests", "retry_after_ms": 5,
			})
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/temp_1") {
			t.Errorf("transaction id not taken from pending id: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$m1"})
	})
	remote := newTestRemote(t, handler, nil)

	res, err := remote.Send(context.Background(), reconcile.OutgoingMessage{
		ChatID: "!room:hs", Content: "hello", ReplyTo: "$m0", PendingID: "temp_1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ID != "$m1" || res.Timestamp.UnixMilli() != 42 {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry after rate limit, got %d calls", calls.Load())
	}
	relates, _ := body["m.relates_to"].(map[string]any)
	reply, _ := relates["m.in_reply_to"].(map[string]any)
	if body["body"] != "hello" || reply["event_id"] != "$m0" {
		t.Fatalf("unexpected content %v", body)
	}
}

func TestRateLimitRetriedOnlyOnce(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"errcode": "M_LIMIT_EXCEEDED", "retry_after_ms": 1})
	})
	remote := newTestRemote(t, handler, nil)
	if _, err := remote.React(context.Background(), "!room:hs", "$m1", "👍"); err == nil {
		t.Fatal("expected rate limit error")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly two attempts, got %d", calls.Load())
	}
}

func TestEditSendsReplaceRelation(t *testing.T) {
	var body map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$e1"})
	})
	remote := newTestRemote(t, handler, nil)

	res, err := remote.Edit(context.Background(), reconcile.OutgoingEdit{ChatID: "!room:hs", TargetID: "$m1", Content: "fixed"})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if res.ID != "$e1" {
		t.Fatalf("expected revision id, got %+v", res)
	}
	relates, _ := body["m.relates_to"].(map[string]any)
	newContent, _ := body["m.new_content"].(map[string]any)
	if relates["rel_type"] != "m.replace" || relates["event_id"] != "$m1" || newContent["body"] != "fixed" {
		t.Fatalf("unexpected edit content %v", body)
	}
	if _, ok := relates["m.in_reply_to"]; ok {
		t.Fatalf("edit of a plain message must not carry a reply, got %v", relates)
	}
}

func TestEditOfReplyKeepsParent(t *testing.T) {
	var body map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$e2"})
	})
	remote := newTestRemote(t, handler, nil)

	edit := reconcile.OutgoingEdit{ChatID: "!room:hs", TargetID: "$reply", Content: "better answer", ReplyTo: "$question"}
	if _, err := remote.Edit(context.Background(), edit); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	relates, _ := body["m.relates_to"].(map[string]any)
	inReplyTo, _ := relates["m.in_reply_to"].(map[string]any)
	if relates["rel_type"] != "m.replace" || relates["event_id"] != "$reply" || inReplyTo["event_id"] != "$question" {
		t.Fatalf("expected reply relation kept on edit, got %v", body)
	}
}

func TestCreateChatInvitesMembers(t *testing.T) {
	var requests []map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/createRoom") {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND"})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests = append(requests, body)
		writeJSON(w, http.StatusOK, map[string]string{"room_id": "!new:hs"})
	})
	remote := newTestRemote(t, handler, nil)
	remote.remember("@ada_1:hs", "Ada")
	ctx := context.Background()

	dm, err := remote.CreateChat(ctx, reconcile.NewChat{Members: []string{"@ada_1:hs"}})
	if err != nil {
		t.Fatalf("CreateChat direct: %v", err)
	}
	if dm.ID != "!new:hs" || dm.Name != "Ada" || dm.IsGroup || len(dm.Members) != 2 {
		t.Fatalf("unexpected direct chat %+v", dm)
	}
	group, err := remote.CreateChat(ctx, reconcile.NewChat{Members: []string{"@ada_1:hs", "@grace_2:hs"}, Name: "Ops"})
	if err != nil {
		t.Fatalf("CreateChat group: %v", err)
	}
	if group.Name != "Ops" || !group.IsGroup || len(group.Members) != 3 {
		t.Fatalf("unexpected group chat %+v", group)
	}

	if len(requests) != 2 {
		t.Fatalf("expected two createRoom calls, got %d", len(requests))
	}
	direct := requests[0]
	invites, _ := direct["invite"].([]any)
	if direct["is_direct"] != true || direct["preset"] != "private_chat" || direct["visibility"] != "private" || len(invites) != 1 || invites[0] != "@ada_1:hs" {
		t.Fatalf("unexpected direct request %v", direct)
	}
	named := requests[1]
	if named["name"] != "Ops" || named["is_direct"] == true {
		t.Fatalf("unexpected group request %v", named)
	}
}

func TestSetTyping(t *testing.T) {
	var bodies []map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/typing/") {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND"})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	remote := newTestRemote(t, handler, nil)
	ctx := context.Background()

	if err := remote.SetTyping(ctx, "!room:hs", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if err := remote.SetTyping(ctx, "!room:hs", false); err != nil {
		t.Fatalf("SetTyping stop: %v", err)
	}
	if len(bodies) != 2 || bodies[0]["typing"] != true || bodies[0]["timeout"] != float64(30000) || bodies[1]["typing"] != false {
		t.Fatalf("unexpected typing requests %v", bodies)
	}
}

func TestDeleteRedactsEveryID(t *testing.T) {
	var mu sync.Mutex
	var redacted []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if i := strings.Index(r.URL.Path, "/redact/"); i >= 0 {
			rest := strings.TrimPrefix(r.URL.Path[i:], "/redact/")
			eventID, _, _ := strings.Cut(rest, "/")
			mu.Lock()
			redacted = append(redacted, eventID)
			mu.Unlock()
		}
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$r"})
	})
	remote := newTestRemote(t, handler, nil)

	if err := remote.Delete(context.Background(), "!room:hs", []string{"$m1", "$e1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if strings.Join(redacted, ",") != "$m1,$e1" {
		t.Fatalf("unexpected redactions %v", redacted)
	}
	if err := remote.Unreact(context.Background(), "!room:hs", "$m1", "👍", ""); err != ErrUnknownReaction {
		t.Fatalf("expected ErrUnknownReaction, got %v", err)
	}
}

func TestListChatsNamesRooms(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/joined_rooms"):
			writeJSON(w, http.StatusOK, map[string]any{"joined_rooms": []string{"!dm:hs", "!ops:hs"}})
		case strings.HasSuffix(path, "/joined_members") && strings.Contains(path, "!dm:hs"):
			writeJSON(w, http.StatusOK, map[string]any{"joined": map[string]any{
				"@me:hs":    map[string]string{"display_name": "Me"},
				"@ada_1:hs": map[string]string{"display_name": "Ada"},
			}})
		case strings.HasSuffix(path, "/joined_members"):
			writeJSON(w, http.StatusOK, map[string]any{"joined": map[string]any{
				"@me:hs":      map[string]string{"display_name": "Me"},
				"@ada_1:hs":   map[string]string{},
				"@grace_2:hs": map[string]string{"display_name": "Grace"},
			}})
		case strings.Contains(path, "/state/m.room.name") && strings.Contains(path, "!ops:hs"):
			writeJSON(w, http.StatusOK, map[string]string{"name": "Ops"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
		}
	})
	remote := newTestRemote(t, handler, nil)

	chats, err := remote.ListChats(context.Background())
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected two chats, got %+v", chats)
	}
	dm, ops := chats[0], chats[1]
	if dm.ID != "!dm:hs" || dm.Name != "Ada" || dm.IsGroup || len(dm.Members) != 2 {
		t.Fatalf("unexpected dm %+v", dm)
	}
	if ops.Name != "Ops" || !ops.IsGroup || len(ops.Members) != 3 {
		t.Fatalf("unexpected group %+v", ops)
	}
	if remote.displayName("@ada_1:hs") != "Ada" {
		t.Fatalf("member names must be cached, got %q", remote.displayName("@ada_1:hs"))
	}
}

func TestFetchMessagesPagesBackwards(t *testing.T) {
	var froms []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND"})
			return
		}
		from := r.URL.Query().Get("from")
		froms = append(froms, from)
		if r.URL.Query().Get("dir") != "b" {
			t.Errorf("expected backward pagination")
		}
		chunk := []map[string]any{{
			"type": "m.room.message", "event_id": "$new", "sender": "@ada_1:hs", "origin_server_ts": 2,
			"content": map[string]string{"msgtype": "m.text", "body": "newer"},
		}}
		end := "t1"
		if from == "t1" {
			chunk = []map[string]any{{
				"type": "m.room.message", "event_id": "$old", "sender": "@ada_1:hs", "origin_server_ts": 1,
				"content": map[string]string{"msgtype": "m.text", "body": "older"},
			}}
			end = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"start": from, "end": end, "chunk": chunk})
	})
	remote := newTestRemote(t, handler, nil)

	events, err := remote.FetchMessages(context.Background(), "!room:hs", 10)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(events) != 2 || events[0].ID != "$new" || events[1].ID != "$old" || events[1].ChatID != "!room:hs" {
		t.Fatalf("unexpected events %+v", events)
	}
	if len(froms) != 2 || froms[0] != "" || froms[1] != "t1" {
		t.Fatalf("unexpected pagination tokens %v", froms)
	}
}

func TestSubscribeSkipsInitialSyncAndPersistsPosition(t *testing.T) {
	store, err := docstore.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sync") {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND"})
			return
		}
		switch r.URL.Query().Get("since") {
		case "":
			writeJSON(w, http.StatusOK, map[string]any{
				"next_batch": "s1",
				"rooms": map[string]any{"join": map[string]any{"!room:hs": map[string]any{
					"timeline": map[string]any{"events": []map[string]any{{
						"type": "m.room.message", "event_id": "$old", "sender": "@ada_1:hs", "origin_server_ts": 1,
						"content": map[string]string{"msgtype": "m.text", "body": "backlog"},
					}}},
				}}},
			})
		case "s1":
			writeJSON(w, http.StatusOK, map[string]any{
				"next_batch": "s2",
				"rooms": map[string]any{"join": map[string]any{"!room:hs": map[string]any{
					"timeline": map[string]any{"events": []map[string]any{{
						"type": "m.room.message", "event_id": "$live", "sender": "@ada_1:hs", "origin_server_ts": 2,
						"content": map[string]string{"msgtype": "m.text", "body": "live"},
					}}},
				}}},
			})
		default:
			select {
			case <-r.Context().Done():
			case <-time.After(50 * time.Millisecond):
			}
			writeJSON(w, http.StatusOK, map[string]any{"next_batch": "s2"})
		}
	})
	remote := newTestRemote(t, handler, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received := make(chan reconcile.RemoteEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- remote.Subscribe(ctx, func(ev reconcile.RemoteEvent) { received <- ev })
	}()

	select {
	case ev := <-received:
		if ev.ID != "$live" || ev.ChatID != "!room:hs" || ev.Content != "live" {
			t.Fatalf("expected only the live event, got %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for live event")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe returned %v", err)
	}

	since, err := store.GetMeta(context.Background(), SinceKey)
	if err != nil || since != "s2" {
		t.Fatalf("expected persisted position s2, got %q %v", since, err)
	}
}

func TestSubscribeJoinsInvitesAndReportsTyping(t *testing.T) {
	var joined atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/sync") && r.URL.Query().Get("since") == "s1":
			writeJSON(w, http.StatusOK, map[string]any{
				"next_batch": "s2",
				"rooms": map[string]any{
					"invite": map[string]any{"!new:hs": map[string]any{"invite_state": map[string]any{"events": []any{}}}},
					"join": map[string]any{"!room:hs": map[string]any{
						"ephemeral": map[string]any{"events": []map[string]any{{
							"type":    "m.typing",
							"content": map[string]any{"user_ids": []string{"@ada_1:hs", "@me:hs"}},
						}}},
					}},
				},
			})
		case strings.HasSuffix(path, "/sync"):
			select {
			case <-r.Context().Done():
			case <-time.After(50 * time.Millisecond):
			}
			writeJSON(w, http.StatusOK, map[string]any{"next_batch": "s2"})
		case strings.HasSuffix(path, "/join") || strings.Contains(path, "/join/"):
			joined.Add(1)
			writeJSON(w, http.StatusOK, map[string]string{"room_id": "!new:hs"})
		case strings.HasSuffix(path, "/joined_members"):
			writeJSON(w, http.StatusOK, map[string]any{"joined": map[string]any{
				"@me:hs":      map[string]string{"display_name": "Me"},
				"@grace_2:hs": map[string]string{"display_name": "Grace"},
			}})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
		}
	})
	remote := newTestRemote(t, handler, &memoryState{meta: map[string]string{SinceKey: "s1"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received := make(chan reconcile.RemoteEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- remote.Subscribe(ctx, func(ev reconcile.RemoteEvent) { received <- ev })
	}()

	var got []reconcile.RemoteEvent
	for len(got) < 2 {
		select {
		case ev := <-received:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out, got %+v", got)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe returned %v", err)
	}

	added, typing := got[0], got[1]
	if added.Kind != reconcile.EventChatAdded || added.Chat == nil || added.Chat.ID != "!new:hs" || added.Chat.Name != "Grace" {
		t.Fatalf("unexpected chat added event %+v", added)
	}
	if joined.Load() != 1 {
		t.Fatalf("expected one join, got %d", joined.Load())
	}
	if typing.Kind != reconcile.EventTyping || typing.ChatID != "!room:hs" || len(typing.TypingUsers) != 2 || typing.TypingUsers[0] != "@ada_1:hs" {
		t.Fatalf("unexpected typing event %+v", typing)
	}
}
