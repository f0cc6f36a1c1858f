package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBotAPI serves a minimal subset of the Telegram bot API: one queue of
// updates handed out once, and a record of sent messages.
type fakeBotAPI struct {
	mu      sync.Mutex
	updates []tgUpdate
	sent    []map[string]any
}

func (f *fakeBotAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bottest-token/") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/bottest-token/")

		f.mu.Lock()
		defer f.mu.Unlock()
		switch method {
		case "getUpdates":
			var req struct {
				Offset int64 `json:"offset"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			var pending []tgUpdate
			for _, u := range f.updates {
				if u.UpdateID >= req.Offset {
					pending = append(pending, u)
				}
			}
			writeEnvelope(w, pending)
		case "sendMessage":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.sent = append(f.sent, body)
			writeEnvelope(w, map[string]any{"message_id": 1})
		default:
			t.Errorf("unexpected method %s", method)
		}
	}
}

func writeEnvelope(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	json.NewEncoder(w).Encode(tgEnvelope{OK: true, Result: raw})
}

func textUpdate(updateID, chatID int64, text string) tgUpdate {
	var m tgMessage
	m.MessageID = updateID
	m.Text = text
	m.Date = time.Now().Unix()
	m.Chat.ID = chatID
	return tgUpdate{UpdateID: updateID, Message: &m}
}

func newTestTelegram(t *testing.T, api *fakeBotAPI) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	tg, err := NewTelegram(TelegramConfig{
		BotToken:    "test-token",
		APIBase:     srv.URL,
		PollTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tg.Close() })
	return tg
}

func TestNewTelegramRequiresToken(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{}); err == nil {
		t.Fatal("expected an error without a token")
	}
}

func TestListenDeliversInbound(t *testing.T) {
	api := &fakeBotAPI{updates: []tgUpdate{
		textUpdate(10, 4242, "hei"),
		textUpdate(11, 4242, "koden er 482913"),
	}}
	tg := newTestTelegram(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream := tg.Listen(ctx)
	var got []Message
	for msg := range stream {
		got = append(got, msg)
		if len(got) == 2 {
			cancel()
		}
	}
	if len(got) < 2 {
		t.Fatalf("got %d messages", len(got))
	}
	if got[0].SenderID != "4242" || got[0].Text != "hei" {
		t.Fatalf("first message: %+v", got[0])
	}
	if got[1].Text != "koden er 482913" {
		t.Fatalf("second message: %+v", got[1])
	}
	if got[0].Direction != Inbound {
		t.Fatal("direction should be inbound")
	}
}

func TestSendPostsToChat(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	err := tg.Send(context.Background(), Message{
		Platform:    "telegram",
		Direction:   Outbound,
		RecipientID: "4242",
		Text:        "Trenger verifiseringskode for user@example.no",
	})
	if err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages", len(api.sent))
	}
	if api.sent[0]["chat_id"] != "4242" {
		t.Fatalf("chat_id: %v", api.sent[0]["chat_id"])
	}
}

func TestSendAfterClose(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)
	tg.Close()

	err := tg.Send(context.Background(), Message{RecipientID: "1", Text: "x"})
	if err == nil {
		t.Fatal("expected an error after close")
	}
	var sendErr *ErrSendFailed
	if !errors.As(err, &sendErr) {
		t.Fatalf("error type: %T", err)
	}
}

func TestServePumpsReplies(t *testing.T) {
	api := &fakeBotAPI{updates: []tgUpdate{textUpdate(1, 99, "status?")}}
	tg := newTestTelegram(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handled := make(chan struct{})
	var once sync.Once
	handler := func(_ context.Context, msg Message) ([]Message, error) {
		defer once.Do(func() { close(handled) })
		if msg.Text != "status?" {
			return nil, fmt.Errorf("unexpected text %q", msg.Text)
		}
		return []Message{{
			Platform:    "telegram",
			Direction:   Outbound,
			RecipientID: msg.SenderID,
			Text:        "alt vel",
		}}, nil
	}

	go Serve(ctx, tg, handler, slog.New(slog.DiscardHandler))

	select {
	case <-handled:
	case <-ctx.Done():
		t.Fatal("handler never ran")
	}

	deadline := time.After(time.Second)
	for {
		api.mu.Lock()
		n := len(api.sent)
		api.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reply never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
