// Package notify sends the optional share-notification emails over
// SMTP. Delivery is best-effort: callers log failures and move on.
package notify

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

type (
	// Mailer sends share notifications. The zero-config mailer is
	// disabled and drops everything silently.
	Mailer struct {
		cfg Config
	}

	Config struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
	}
)

func NewMailer(cfg Config) Mailer {
	return Mailer{cfg: cfg}
}

// Enabled reports whether enough SMTP config is present to send.
func (m Mailer) Enabled() bool {
	return m.cfg.Host != "" && m.cfg.Port != 0 && m.cfg.From != ""
}

// ShareCreated tells the grantee that ownerName shared their feed.
func (m Mailer) ShareCreated(to, ownerName string) error {
	if !m.Enabled() {
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("%s shared their feed with you", ownerName))
	msg.SetBody("text/html", fmt.Sprintf(
		"<p>%s has shared their feed with you. Log in to fetch it.</p>", ownerName,
	))

	d := gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.Username, m.cfg.Password)
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("error sending share notification: %s", err)
	}

	return nil
}
