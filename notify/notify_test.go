package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"minerfleet/config"
)

func TestTelegramNotify(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramWithBase(srv.URL, "tok123", "chat42")
	if err := tg.Notify(context.Background(), "Pool down", "solo.ckpool.org unreachable"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if gotPath != "/bottok123/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "chat42" {
		t.Errorf("chat_id = %q", gotBody["chat_id"])
	}
	if gotBody["text"] != "*Pool down*\nsolo.ckpool.org unreachable" {
		t.Errorf("text = %q", gotBody["text"])
	}
}

func TestTelegramNotifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tg := NewTelegramWithBase(srv.URL, "tok", "chat")
	if err := tg.Notify(context.Background(), "t", "m"); err == nil {
		t.Error("expected error on 502 response")
	}
}

func TestDiscordNotify(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL)
	if err := d.Notify(context.Background(), "Miner offline", "bx1 silent for 10m"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if gotBody["content"] != "**Miner offline**\nbx1 silent for 10m" {
		t.Errorf("content = %q", gotBody["content"])
	}
}

type scriptedSink struct {
	err   error
	calls int
}

func (s *scriptedSink) Notify(ctx context.Context, title, message string) error {
	s.calls++
	return s.err
}

func TestMultiDeliversToAllAndKeepsFirstError(t *testing.T) {
	first := &scriptedSink{err: errors.New("first failure")}
	second := &scriptedSink{err: errors.New("second failure")}
	third := &scriptedSink{}

	err := Multi{first, second, third}.Notify(context.Background(), "t", "m")
	if err == nil || err.Error() != "first failure" {
		t.Errorf("err = %v, want the first failure", err)
	}
	for i, s := range []*scriptedSink{first, second, third} {
		if s.calls != 1 {
			t.Errorf("sink %d calls = %d", i, s.calls)
		}
	}
}

func TestFromConfig(t *testing.T) {
	var cfg config.Config
	if _, ok := FromConfig(&cfg, nil).(Noop); !ok {
		t.Error("empty settings should yield the noop sink")
	}

	cfg.Notify.TelegramBotToken = "tok"
	cfg.Notify.TelegramChatID = "chat"
	cfg.Notify.DiscordWebhookURL = "https://discord.example.org/hook"
	m, ok := FromConfig(&cfg, nil).(Multi)
	if !ok {
		t.Fatalf("expected Multi, got %T", FromConfig(&cfg, nil))
	}
	if len(m) != 2 {
		t.Errorf("sinks = %d, want 2", len(m))
	}
}
