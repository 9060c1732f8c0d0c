package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"cewatcher/internal/storage"
)

const emailHTMLTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.AppName}}</title></head>
<body style="font-family: sans-serif;">
<h2>Notification</h2>
<p>Changes in currency exchange rates have been detected.</p>
<table cellpadding="4" style="border-collapse: collapse;">
<tr><th align="left">Rate</th><th align="left">Id</th><th align="right">Old</th><th align="right">New</th></tr>
{{- range .Events}}
<tr><td>{{.RateName}}</td><td>{{.RateID}}</td><td align="right">{{oldValue .}}</td><td align="right">{{.NewValue.String}}</td></tr>
{{- end}}
</table>
<ul>
{{- range .Events}}
<li>{{.Description}}</li>
{{- end}}
</ul>
{{- if .SelfURL}}
<p><a href="{{.SelfURL}}">{{.AppName}}</a></p>
{{- end}}
</body>
</html>
`

var emailTemplate = template.Must(template.New("email").Funcs(template.FuncMap{
	"oldValue": func(e storage.Event) string {
		if !e.OldValue.Valid {
			return "unknown"
		}
		return e.OldValue.Decimal.String()
	},
}).Parse(emailHTMLTemplate))

// RenderHTML renders the HTML alternative of a change notification.
func RenderHTML(appName, selfURL string, events []storage.Event) (string, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		AppName string
		SelfURL string
		Events  []storage.Event
	}{appName, selfURL, events})
	if err != nil {
		return "", fmt.Errorf("render email html: %w", err)
	}
	return buf.String(), nil
}

// EmailOptions parameterise the SMTP notifier.
type EmailOptions struct {
	AppName  string
	SelfURL  string
	Host     string
	Port     int
	SSL      bool
	Username string
	Password string
	From     string
	To       []string
	Timeout  time.Duration
}

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailNotifier sends change notifications over SMTP.
type EmailNotifier struct {
	opts   EmailOptions
	sender mailSender
	logger zerolog.Logger
	now    func() time.Time
}

// NewEmailNotifier builds an SMTP client from opts.
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) (*EmailNotifier, error) {
	if opts.Host == "" {
		return nil, errors.New("alerting.email.host is required")
	}
	if len(opts.To) == 0 {
		return nil, errors.New("alerting.email.to is required")
	}
	if opts.From == "" {
		opts.From = opts.Username
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	clientOpts := []mail.Option{mail.WithTimeout(opts.Timeout)}
	if opts.Port > 0 {
		clientOpts = append(clientOpts, mail.WithPort(opts.Port))
	}
	if opts.SSL {
		clientOpts = append(clientOpts, mail.WithSSL())
	} else {
		clientOpts = append(clientOpts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}

	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	return newEmailNotifier(opts, client, logger), nil
}

func newEmailNotifier(opts EmailOptions, sender mailSender, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		opts:   opts,
		sender: sender,
		logger: logger.With().Str("component", "alert_email").Logger(),
		now:    time.Now,
	}
}

// Send emails one message covering every event.
func (n *EmailNotifier) Send(ctx context.Context, events []storage.Event) error {
	if len(events) == 0 {
		return nil
	}

	html, err := RenderHTML(n.opts.AppName, n.opts.SelfURL, events)
	if err != nil {
		return err
	}

	msg, err := n.newMessage(Subject(n.opts.AppName, n.now()))
	if err != nil {
		return err
	}
	msg.SetBodyString(mail.TypeTextPlain, PlainText(events))
	msg.AddAlternativeString(mail.TypeTextHTML, html)

	if err := n.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: send email: %w", ErrNotify, err)
	}

	n.logger.Info().Int("events", len(events)).Strs("to", n.opts.To).Msg("email notifications sent")
	return nil
}

// SendTest sends a short message to the notify addresses to check SMTP settings.
func (n *EmailNotifier) SendTest(ctx context.Context) error {
	msg, err := n.newMessage(fmt.Sprintf("%s: Test @ %s", n.opts.AppName, n.now().Format(DisplayDateFormat)))
	if err != nil {
		return err
	}
	msg.SetBodyString(mail.TypeTextPlain, "Test from CEWatcher application.")

	if err := n.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: send test email: %w", ErrNotify, err)
	}
	n.logger.Info().Strs("to", n.opts.To).Msg("test email sent")
	return nil
}

func (n *EmailNotifier) newMessage(subject string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(n.opts.AppName, n.opts.From); err != nil {
		return nil, fmt.Errorf("set email from: %w", err)
	}
	if err := msg.To(n.opts.To...); err != nil {
		return nil, fmt.Errorf("set email recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetDate()
	return msg, nil
}

var _ Notifier = (*EmailNotifier)(nil)
