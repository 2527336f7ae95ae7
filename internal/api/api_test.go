package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yanyu/chat-core/internal/friends"
	"github.com/yanyu/chat-core/internal/identity"
	"github.com/yanyu/chat-core/internal/message"
)

type memFriends struct {
	edges map[string][]string
}

func (f *memFriends) AreFriends(_ context.Context, a, b string) (bool, error) {
	for _, x := range f.edges[a] {
		if x == b {
			return true, nil
		}
	}
	return false, nil
}

func (f *memFriends) List(_ context.Context, p string) ([]string, error) {
	return f.edges[p], nil
}

func (f *memFriends) Add(_ context.Context, a, b string) error {
	if a == b {
		return friends.ErrSelfFriend
	}
	f.edges[a] = append(f.edges[a], b)
	f.edges[b] = append(f.edges[b], a)
	return nil
}

type testAPI struct {
	srv      *httptest.Server
	store    *message.MemoryStore
	verifier *identity.JWTVerifier
	friends  *memFriends
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := message.NewMemoryStore(nil)
	verifier := identity.NewJWTVerifier("test-secret", "yanyu")
	fr := &memFriends{edges: map[string][]string{}}
	srv := httptest.NewServer(NewRouter(&Handler{Store: store, Friends: fr, Verifier: verifier}, "https://app.example"))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: store, verifier: verifier, friends: fr}
}

func (a *testAPI) do(t *testing.T, method, path, as string, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if as != "" {
		tok, err := a.verifier.Issue(as, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// ---------------------------------------------------------------------------
// Auth and CORS
// ---------------------------------------------------------------------------

func TestAuth_Required(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodGet, "/api/v1/friends", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, a.srv.URL+"/api/v1/friends", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", r2.StatusCode)
	}
}

func TestCORS_Preflight(t *testing.T) {
	a := newTestAPI(t)
	resp, _ := a.do(t, http.MethodOptions, "/api/v1/friends", "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("unexpected allow-origin %q", got)
	}
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func TestResolveChannel(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, http.MethodGet, "/api/v1/channels/resolve?peer=alice", "bob", "")
	if resp.StatusCode != http.StatusOK || body["channel_id"] != "alice_bob" {
		t.Errorf("expected alice_bob, got %d %v", resp.StatusCode, body)
	}

	resp, _ = a.do(t, http.MethodGet, "/api/v1/channels/resolve?peer=bob", "bob", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("self channel: expected 400, got %d", resp.StatusCode)
	}
}

func TestListMessages(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	first, _ := a.store.Append(ctx, "alice_bob", "alice", "one")
	a.store.Append(ctx, "alice_bob", "bob", "two")
	a.store.MarkRead(ctx, "alice_bob", first.ID, "bob")

	resp, body := a.do(t, http.MethodGet, "/api/v1/channels/alice_bob/messages", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	msgs, _ := body["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", body)
	}
	newest := msgs[0].(map[string]interface{})
	oldest := msgs[1].(map[string]interface{})
	if newest["text"] != "two" || oldest["text"] != "one" {
		t.Errorf("expected newest first, got %v", msgs)
	}
	if oldest["receipt"] != "seen" {
		t.Errorf("expected seen receipt on alice's message, got %v", oldest)
	}
	if _, ok := newest["receipt"]; ok {
		t.Errorf("peer message must carry no receipt, got %v", newest)
	}

	_, body = a.do(t, http.MethodGet, "/api/v1/channels/alice_bob/messages?limit=1", "alice", "")
	if msgs, _ := body["messages"].([]interface{}); len(msgs) != 1 {
		t.Errorf("limit=1: expected 1 message, got %v", body)
	}
}

func TestListMessages_OutsiderForbidden(t *testing.T) {
	a := newTestAPI(t)
	for _, path := range []string{
		"/api/v1/channels/alice_bob/messages",
		"/api/v1/channels/garbage/messages",
	} {
		resp, _ := a.do(t, http.MethodGet, path, "carol", "")
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", path, resp.StatusCode)
		}
	}
}

func TestListMessages_StoreUnavailable(t *testing.T) {
	verifier := identity.NewJWTVerifier("test-secret", "")
	srv := httptest.NewServer(NewRouter(&Handler{
		Store:    brokenStoreUnavailable{},
		Verifier: verifier,
	}, ""))
	defer srv.Close()

	tok, _ := verifier.Issue("alice", time.Hour)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/channels/alice_bob/messages", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

type brokenStoreUnavailable struct{ message.Store }

func (brokenStoreUnavailable) ListDescending(context.Context, string) ([]message.Message, error) {
	return nil, message.ErrStoreUnavailable
}

// ---------------------------------------------------------------------------
// Friends
// ---------------------------------------------------------------------------

func TestFriends_AddAndList(t *testing.T) {
	a := newTestAPI(t)

	_, body := a.do(t, http.MethodGet, "/api/v1/friends", "alice", "")
	if list, ok := body["friends"].([]interface{}); !ok || len(list) != 0 {
		t.Fatalf("expected empty list, got %v", body)
	}

	resp, _ := a.do(t, http.MethodPost, "/api/v1/friends", "alice", `{"peer_id":"bob"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("add: expected 204, got %d", resp.StatusCode)
	}
	_, body = a.do(t, http.MethodGet, "/api/v1/friends", "bob", "")
	list, _ := body["friends"].([]interface{})
	if len(list) != 1 || list[0] != "alice" {
		t.Errorf("friendship must be mutual, bob sees %v", body)
	}

	resp, _ = a.do(t, http.MethodPost, "/api/v1/friends", "alice", `{"peer_id":"alice"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("self add: expected 400, got %d", resp.StatusCode)
	}
}
