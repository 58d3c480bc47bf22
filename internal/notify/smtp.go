package notify

import (
	"context"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
)

var headerReplacer = strings.NewReplacer("\r\n", "", "\r", "", "\n", "", "%0a", "", "%0d", "")

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP mails each message as plain text.
type SMTP struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	send sendMailFunc
}

func NewSMTP(cfg config.SMTPConfig) *SMTP {
	var auth smtp.Auth
	if cfg.Username != "" || cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	to := make([]string, len(cfg.To))
	for i, addr := range cfg.To {
		to[i] = headerReplacer.Replace(addr)
	}
	return &SMTP{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth: auth,
		from: headerReplacer.Replace(cfg.From),
		to:   to,
		send: smtp.SendMail,
	}
}

// Notify sends the mail. net/smtp has no context support, so ctx is only
// checked before dialing.
func (s *SMTP) Notify(ctx context.Context, cfg *config.Pipeline, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := "[cadence] " + headerReplacer.Replace(cfg.Name)
	if err := s.send(s.addr, s.auth, s.from, s.to, composeMail(s.from, s.to, subject, message)); err != nil {
		return errors.Wrapf(err, "sending mail via %s", s.addr)
	}
	return nil
}

func composeMail(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("To: " + strings.Join(to, ",") + "\r\n")
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
