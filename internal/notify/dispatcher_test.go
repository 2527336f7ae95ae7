package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestHTTPDispatcher_PostsPayload(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{Endpoint: srv.URL, Timeout: time.Second})
	n := Notification{
		Token: "ExponentPushToken[abc]",
		Title: "alice",
		Body:  "hi",
		Data:  map[string]string{"channel_id": "alice_bob"},
	}
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Token != n.Token || got.Title != n.Title || got.Body != n.Body || got.Data["channel_id"] != "alice_bob" {
		t.Errorf("backend received %+v", got)
	}
}

func TestHTTPDispatcher_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cases := []struct {
		name     string
		endpoint string
		token    string
	}{
		{"non-2xx", srv.URL, "tok"},
		{"empty token", srv.URL, ""},
		{"unreachable", "http://127.0.0.1:1/send", "tok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewHTTPDispatcher(HTTPConfig{Endpoint: tc.endpoint, Timeout: time.Second})
			err := d.Dispatch(context.Background(), Notification{Token: tc.token, Title: "t", Body: "b"})
			if !errors.Is(err, ErrNotificationFailed) {
				t.Errorf("expected ErrNotificationFailed, got %v", err)
			}
		})
	}
}

// fakeDispatcher records notifications and returns err.
type fakeDispatcher struct {
	got []Notification
	err error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, n Notification) error {
	f.got = append(f.got, n)
	return f.err
}

func TestHandlePushTask(t *testing.T) {
	n := Notification{Token: "tok", Title: "bob", Body: "yo"}
	task, err := NewPushTask(n)
	if err != nil {
		t.Fatalf("NewPushTask: %v", err)
	}
	if task.Type() != TaskPush {
		t.Errorf("expected task type %q, got %q", TaskPush, task.Type())
	}

	ok := &fakeDispatcher{}
	if err := HandlePushTask(ok)(context.Background(), task); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(ok.got) != 1 || ok.got[0].Body != "yo" {
		t.Errorf("dispatcher received %+v", ok.got)
	}

	failing := &fakeDispatcher{err: ErrNotificationFailed}
	err = HandlePushTask(failing)(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry, got %v", err)
	}

	bad := asynq.NewTask(TaskPush, []byte("{not json"))
	if err := HandlePushTask(ok)(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry for bad payload, got %v", err)
	}
}
