package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/wneessen/go-mail"

	"cewatcher/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func sampleEvents() []storage.Event {
	at := time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC)
	return []storage.Event{
		{
			ID: "e1", RateID: "EURUSD", RateName: "EUR/USD",
			OldValue:    decimal.NewNullDecimal(decimal.RequireFromString("1.05")),
			NewValue:    decimal.RequireFromString("1.1"),
			Description: "EUR/USD (EURUSD) changed rate from 1.05 to 1.1.",
			CreatedAt:   at,
		},
		{
			ID: "e2", RateID: "GBPUSD", RateName: "GBP/USD <fx>",
			NewValue:    decimal.RequireFromString("1.3"),
			Description: "GBP/USD <fx> (GBPUSD) changed rate from unknown to 1.3.",
			CreatedAt:   at,
		},
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText(sampleEvents())
	want := "Notification\n\nChanges in currency exchange rates have been detected.\n\n" +
		" • EUR/USD (EURUSD) changed rate from 1.05 to 1.1.\n" +
		" • GBP/USD <fx> (GBPUSD) changed rate from unknown to 1.3.\n"
	if got != want {
		t.Fatalf("PlainText =\n%q\nwant\n%q", got, want)
	}
}

func TestSubject(t *testing.T) {
	at := time.Date(2024, 6, 3, 17, 5, 0, 0, time.UTC)
	if got := Subject("CEWatcher", at); got != "CEWatcher: Currency Exchange Change(s) @ 2024-06-03 17:05 UTC" {
		t.Fatalf("Subject = %q", got)
	}
}

func TestRenderHTMLEscapesAndLinks(t *testing.T) {
	html, err := RenderHTML("CEWatcher", "https://watch.example.com/", sampleEvents())
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	for _, want := range []string{
		"EUR/USD (EURUSD) changed rate from 1.05 to 1.1.",
		"GBP/USD &lt;fx&gt;",
		`href="https://watch.example.com/"`,
		">unknown<",
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("html missing %q:\n%s", want, html)
		}
	}
	if strings.Contains(html, "<fx>") {
		t.Fatal("rate name should be escaped")
	}
}

type fakeSender struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeSender) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, messages...)
	return nil
}

func TestEmailNotifierSend(t *testing.T) {
	sender := &fakeSender{}
	n := newEmailNotifier(EmailOptions{
		AppName: "CEWatcher",
		From:    "watcher@example.com",
		To:      []string{"ops@example.com", "fx@example.com"},
	}, sender, testLogger())
	n.now = func() time.Time { return time.Date(2024, 6, 3, 17, 5, 0, 0, time.UTC) }

	if err := n.Send(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}

	msg := sender.sent[0]
	subject := msg.GetGenHeader(mail.HeaderSubject)
	if len(subject) != 1 || subject[0] != "CEWatcher: Currency Exchange Change(s) @ 2024-06-03 17:05 UTC" {
		t.Fatalf("subject = %v", subject)
	}
	rcpts, err := msg.GetRecipients()
	if err != nil {
		t.Fatalf("GetRecipients: %v", err)
	}
	if len(rcpts) != 2 {
		t.Fatalf("recipients = %v", rcpts)
	}
}

func TestEmailNotifierSkipsEmptyAndWrapsErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("535 auth failed")}
	n := newEmailNotifier(EmailOptions{AppName: "CEWatcher", From: "w@example.com", To: []string{"ops@example.com"}}, sender, testLogger())

	if err := n.Send(context.Background(), nil); err != nil {
		t.Fatalf("empty send should be a no-op, got %v", err)
	}
	if err := n.Send(context.Background(), sampleEvents()); !errors.Is(err, ErrNotify) {
		t.Fatalf("err = %v, want ErrNotify", err)
	}
	if err := n.SendTest(context.Background()); !errors.Is(err, ErrNotify) {
		t.Fatalf("test err = %v, want ErrNotify", err)
	}
}

func TestNewEmailNotifierValidates(t *testing.T) {
	if _, err := NewEmailNotifier(EmailOptions{To: []string{"a@example.com"}}, testLogger()); err == nil {
		t.Fatal("missing host should fail")
	}
	if _, err := NewEmailNotifier(EmailOptions{Host: "smtp.example.com"}, testLogger()); err == nil {
		t.Fatal("missing recipients should fail")
	}
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifierPublishesKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaNotifier(w, testLogger())

	if err := k.Send(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(w.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(w.messages))
	}
	if string(w.messages[0].Key) != "EURUSD" {
		t.Fatalf("key = %s, want EURUSD", w.messages[0].Key)
	}

	var first, second EventMessage
	if err := json.Unmarshal(w.messages[0].Value, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(w.messages[1].Value, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.OldValue == nil || *first.OldValue != "1.05" || first.NewValue != "1.1" {
		t.Fatalf("first = %+v", first)
	}
	if second.OldValue != nil {
		t.Fatalf("second old value should be null, got %v", *second.OldValue)
	}
}

func TestKafkaNotifierError(t *testing.T) {
	k := newKafkaNotifier(&fakeWriter{err: errors.New("leader not available")}, testLogger())
	if err := k.Send(context.Background(), sampleEvents()); !errors.Is(err, ErrNotify) {
		t.Fatalf("err = %v, want ErrNotify", err)
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("CEWatcher", "token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "EUR/USD (EURUSD) changed rate from 1.05 to 1.1.") {
		t.Fatalf("text 缺少变更描述: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("CEWatcher", "token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), sampleEvents()); !errors.Is(err, ErrNotify) {
		t.Fatal("ok=false 应报错")
	}
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Send(context.Context, []storage.Event) error {
	r.calls++
	return r.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	broken := &recordingNotifier{err: errors.New("smtp down")}
	ok := &recordingNotifier{}
	f := NewFanout([]Channel{{Name: "email", Notifier: broken}, {Name: "kafka", Notifier: ok}}, time.Second, testLogger())

	err := f.Send(context.Background(), sampleEvents())
	if !errors.Is(err, ErrNotify) {
		t.Fatalf("err = %v, want ErrNotify", err)
	}
	if !strings.Contains(err.Error(), "email") {
		t.Fatalf("err should name the failed channel: %v", err)
	}
	if broken.calls != 1 || ok.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", broken.calls, ok.calls)
	}

	if err := f.Send(context.Background(), nil); err != nil {
		t.Fatalf("empty send: %v", err)
	}
	if ok.calls != 1 {
		t.Fatal("empty send should not reach channels")
	}
}
