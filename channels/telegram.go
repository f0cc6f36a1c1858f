package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// TelegramConfig configures the bot-API connection.
type TelegramConfig struct {
	// BotToken is the bot API token from @BotFather.
	BotToken string `json:"bot_token"`
	// APIBase overrides the bot API endpoint. Tests point this at a local
	// server; empty means api.telegram.org.
	APIBase string `json:"api_base,omitempty"`
	// PollTimeout is the long-poll timeout passed to getUpdates.
	PollTimeout time.Duration `json:"-"`

	HTTPClient *http.Client `json:"-"`
}

func (c *TelegramConfig) defaults() {
	if c.APIBase == "" {
		c.APIBase = "https://api.telegram.org"
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.PollTimeout + 10*time.Second}
	}
}

// NewTelegram opens a bot-API channel using long-polling. No network calls
// happen until Listen or Send.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("channels: telegram bot_token is required")
	}
	cfg.defaults()
	return &Telegram{
		cfg:     cfg,
		status:  Status{Platform: "telegram"},
		closeCh: make(chan struct{}),
	}, nil
}

// Telegram implements Channel over the Telegram bot API.
type Telegram struct {
	cfg TelegramConfig

	mu     sync.Mutex
	closed bool
	status Status

	closeCh chan struct{}
}

type tgEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Date      int64  `json:"date"`
	From      struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// Listen starts the getUpdates long-poll loop. Transient API errors back
// off and retry; the stream only closes on ctx cancellation or Close.
func (t *Telegram) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		t.setConnected(true, "")
		defer t.setConnected(false, "")

		var offset int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closeCh:
				return
			default:
			}

			updates, err := t.getUpdates(ctx, offset)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.setConnected(false, err.Error())
				select {
				case <-time.After(3 * time.Second):
				case <-ctx.Done():
					return
				case <-t.closeCh:
					return
				}
				t.setConnected(true, "")
				continue
			}

			for _, u := range updates {
				if u.UpdateID >= offset {
					offset = u.UpdateID + 1
				}
				if u.Message == nil || u.Message.Text == "" {
					continue
				}
				msg := Message{
					ID:        strconv.FormatInt(u.Message.MessageID, 10),
					Platform:  "telegram",
					Direction: Inbound,
					SenderID:  strconv.FormatInt(u.Message.Chat.ID, 10),
					Text:      u.Message.Text,
					Timestamp: time.Unix(u.Message.Date, 0),
				}
				select {
				case out <- msg:
					t.touch()
				case <-ctx.Done():
					return
				case <-t.closeCh:
					return
				}
			}
		}
	}()
	return out
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	body, err := json.Marshal(map[string]any{
		"offset":          offset,
		"timeout":         int(t.cfg.PollTimeout.Seconds()),
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	raw, err := t.call(ctx, "getUpdates", body)
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("channels: telegram getUpdates decode: %w", err)
	}
	return updates, nil
}

// Send delivers msg.Text to the chat named by msg.RecipientID.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return &ErrSendFailed{Platform: "telegram", Cause: fmt.Errorf("channel closed")}
	}
	if msg.RecipientID == "" {
		return &ErrSendFailed{Platform: "telegram", Cause: fmt.Errorf("missing recipient chat id")}
	}

	body, err := json.Marshal(map[string]any{
		"chat_id": msg.RecipientID,
		"text":    msg.Text,
	})
	if err != nil {
		return &ErrSendFailed{Platform: "telegram", Cause: err}
	}
	if _, err := t.call(ctx, "sendMessage", body); err != nil {
		return &ErrSendFailed{Platform: "telegram", Cause: err}
	}
	t.touch()
	return nil
}

func (t *Telegram) call(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/bot%s/%s", t.cfg.APIBase, t.cfg.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var env tgEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("channels: telegram %s: status %d: %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		return nil, fmt.Errorf("channels: telegram %s: %s", method, env.Description)
	}
	return env.Result, nil
}

func (t *Telegram) setConnected(connected bool, errText string) {
	t.mu.Lock()
	t.status.Connected = connected
	t.status.Error = errText
	t.mu.Unlock()
}

func (t *Telegram) touch() {
	t.mu.Lock()
	t.status.LastMessage = time.Now()
	t.mu.Unlock()
}

// Status reports the connection state.
func (t *Telegram) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Close stops the long-poll loop. Safe to call twice.
func (t *Telegram) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.status.Connected = false
	return nil
}
