package notify

import (
	"context"

	"github.com/go-gomail/gomail"
	"github.com/pusher/pusher-http-go/v5"
)

// NewPusher returns a Pusher client, or nil when credentials are missing.
func NewPusher(appID, key, secret, cluster string) *pusher.Client {
	if appID == "" || key == "" || secret == "" {
		return nil
	}
	return &pusher.Client{
		AppID:   appID,
		Key:     key,
		Secret:  secret,
		Cluster: cluster,
		Secure:  true,
	}
}

// SMTPMailer sends email through an SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer returns nil when host or sender is missing.
func NewSMTPMailer(host string, port int, user, password, from string) *SMTPMailer {
	if host == "" || from == "" {
		return nil
	}
	return &SMTPMailer{dialer: gomail.NewDialer(host, port, user, password), from: from}
}

// Send delivers task. gomail has no context support; cancellation is checked up front.
func (m *SMTPMailer) Send(ctx context.Context, task EmailTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.dialer.DialAndSend(buildMessage(m.from, task))
}

func buildMessage(from string, task EmailTask) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", task.To)
	msg.SetHeader("Subject", task.Subject)
	msg.SetBody("text/plain", task.Text)
	if task.HTML != "" {
		msg.AddAlternative("text/html", task.HTML)
	}
	return msg
}

// TransportConfig holds the credentials of the delivery channels.
type TransportConfig struct {
	PusherAppID   string
	PusherKey     string
	PusherSecret  string
	PusherCluster string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Transports builds the configured channels. Unconfigured ones are nil
// interfaces so NewWorker skips them.
func Transports(c TransportConfig) (Realtime, Mailer) {
	var (
		rt     Realtime
		mailer Mailer
	)
	if p := NewPusher(c.PusherAppID, c.PusherKey, c.PusherSecret, c.PusherCluster); p != nil {
		rt = p
	}
	if m := NewSMTPMailer(c.SMTPHost, c.SMTPPort, c.SMTPUser, c.SMTPPassword, c.SMTPFrom); m != nil {
		mailer = m
	}
	return rt, mailer
}
