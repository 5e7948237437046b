// Package mail is the SMTP transport the dispatch engine sends through.
// A job dials once and reuses the session for every recipient.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"

	"dmailer/internal/models"
)

// Transport opens an authenticated mail session for a job.
type Transport interface {
	Connect(identity models.SenderIdentity) (Session, error)
}

// Session delivers individual messages over an open connection.
type Session interface {
	Send(to, subject, body, attachmentPath string) error
	Close() error
}

// SMTP dials a gomail session using the job's sender identity, falling
// back to the process-wide credentials when the identity has none.
type SMTP struct {
	Host            string
	Port            int
	DefaultUser     string
	DefaultPassword string
}

func (t *SMTP) credentials(identity models.SenderIdentity) (user, password string) {
	user = identity.Email
	if user == "" {
		user = t.DefaultUser
	}
	password = identity.AppPassword
	if password == "" {
		password = t.DefaultPassword
	}
	return user, password
}

func (t *SMTP) Connect(identity models.SenderIdentity) (Session, error) {
	user, password := t.credentials(identity)

	d := gomail.NewDialer(t.Host, t.Port, user, password)
	sc, err := d.Dial()
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}

	return &smtpSession{sc: sc, from: user}, nil
}

// Probe checks that the SMTP host is reachable with the default
// credentials, retrying with exponential backoff. Used once at startup;
// a failure is reported, not fatal, since jobs carry their own
// credentials.
func (t *SMTP) Probe(ctx context.Context) error {
	operation := func() error {
		d := gomail.NewDialer(t.Host, t.Port, t.DefaultUser, t.DefaultPassword)
		sc, err := d.Dial()
		if err != nil {
			return err
		}
		return sc.Close()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

type smtpSession struct {
	sc   gomail.SendCloser
	from string
}

func (s *smtpSession) Send(to, subject, body, attachmentPath string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)
	if attachmentPath != "" {
		m.Attach(attachmentPath)
	}

	if err := gomail.Send(s.sc, m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}
	return nil
}

func (s *smtpSession) Close() error {
	return s.sc.Close()
}
