package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cewatcher/internal/storage"
)

// ErrNotify marks a delivery failure on any channel.
var ErrNotify = errors.New("notify failure")

// DisplayDateFormat is used in subjects and message headers.
const DisplayDateFormat = "2006-01-02 15:04 MST"

// Notifier 定义告警输送接口。
type Notifier interface {
	Send(ctx context.Context, events []storage.Event) error
}

// PlainText renders the text body listing every change.
func PlainText(events []storage.Event) string {
	builder := strings.Builder{}
	builder.WriteString("Notification\n\nChanges in currency exchange rates have been detected.\n\n")
	for _, e := range events {
		builder.WriteString(" • ")
		builder.WriteString(e.Description)
		builder.WriteString("\n")
	}
	return builder.String()
}

// Subject renders the notification subject line.
func Subject(appName string, at time.Time) string {
	return fmt.Sprintf("%s: Currency Exchange Change(s) @ %s", appName, at.Format(DisplayDateFormat))
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	appName  string
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(appName, botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		appName:  appName,
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
		now:      time.Now,
	}
}

// Send 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Send(ctx context.Context, events []storage.Event) error {
	if len(events) == 0 {
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    Subject(n.appName, n.now()) + "\n\n" + PlainText(events),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send telegram request: %w", ErrNotify, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: telegram 响应码异常: %d", ErrNotify, resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("%w: telegram 返回 ok=false", ErrNotify)
		}
	}

	n.logger.Info().Int("events", len(events)).Msg("告警已发送 (Telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
