package mailer

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

const otpDigits = 6

type Config struct {
	Host     string
	Port     int
	From     string
	Password string
}

type Mailer struct {
	cfg Config
	log *zerolog.Logger
}

func NewMailer(cfg Config, log *zerolog.Logger) *Mailer {
	return &Mailer{cfg: cfg, log: log}
}

// SendEventReminder nudges a member who has not answered an event yet.
func (m *Mailer) SendEventReminder(recipientEmail, eventName string, deadline *time.Time) error {
	subject := fmt.Sprintf("Reminder: please respond to \"%s\"", eventName)
	body := fmt.Sprintf("Hello!\n\nWe have not received your attendance response for \"%s\" yet.", eventName)
	if deadline != nil {
		body += fmt.Sprintf("\nResponses close at %s.", deadline.Format("Mon, 2 Jan 2006 15:04 MST"))
	}
	body += "\n\nPlease open the app and let us know whether you can make it."

	if err := m.send(recipientEmail, subject, body); err != nil {
		m.log.Warn().Err(err).Str("email", recipientEmail).Msg("failed to send reminder email")
		return err
	}
	m.log.Info().Str("email", recipientEmail).Str("event", eventName).Msg("reminder email sent")
	return nil
}

// IssueOneTimeCode generates a fresh code and delivers it to the proposed
// new address; the caller keeps only a hash of the returned code.
func (m *Mailer) IssueOneTimeCode(_ context.Context, destination string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	subject := "Your confirmation code"
	body := fmt.Sprintf(
		"Hello!\n\nYour confirmation code is: %s\n\nIt expires in 10 minutes. If you did not request an email change, ignore this message.",
		code,
	)
	if err := m.send(destination, subject, body); err != nil {
		m.log.Warn().Err(err).Str("email", destination).Msg("failed to send one-time code")
		return "", err
	}
	m.log.Info().Str("email", destination).Msg("one-time code sent")
	return code, nil
}

func (m *Mailer) send(recipient, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.cfg.From, recipient, subject, body,
	)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.From, m.cfg.Password, m.cfg.Host)

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < otpDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n), nil
}
