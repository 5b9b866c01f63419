// Package alert sends emergency notifications from the field via SMTP.
package alert

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration.
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Service delivers emergency alerts to a configured recipient list.
type Service struct {
	config     Config
	server     string
	auth       smtp.Auth
	recipients []string
}

// NewService creates an alert service.
func NewService(config Config, recipients []string) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config:     config,
		server:     config.Host + ":" + config.Port,
		auth:       auth,
		recipients: recipients,
	}
}

// IsConfigured returns true if alerting is configured.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && len(s.recipients) > 0
}

// Emergency describes an alert raised from a device in the field.
type Emergency struct {
	UserID    string
	UserName  string
	TenantID  string
	Message   string
	Latitude  float64
	Longitude float64
	HasFix    bool
	RaisedAt  time.Time
}

// SendEmergency delivers an emergency alert to all configured recipients.
func (s *Service) SendEmergency(e Emergency) error {
	if !s.IsConfigured() {
		return fmt.Errorf("alerts not configured")
	}
	if e.RaisedAt.IsZero() {
		e.RaisedAt = time.Now()
	}

	subject := fmt.Sprintf("EMERGENCY: %s needs assistance", e.UserName)
	html, err := renderTemplate(emergencyTemplate, e)
	if err != nil {
		return fmt.Errorf("render emergency template: %w", err)
	}

	return s.sendHTML(s.recipients, subject, html)
}

// SendPlain sends a plain text message, used for operational notices.
func (s *Service) SendPlain(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("alerts not configured")
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		s.fromHeader(),
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	boundary := "boundary-fieldline"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("alert").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emergencyTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Emergency alert</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cc0000; padding-bottom: 10px; margin-bottom: 20px; }
        .detail { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Emergency Alert</h1>
    </div>

    <h2>{{.UserName}} has raised an emergency</h2>

    <div class="detail">
        <p><strong>Message:</strong> {{.Message}}</p>
        <p><strong>Raised at:</strong> {{.RaisedAt.Format "2006-01-02 15:04:05 MST"}}</p>
        {{if .HasFix}}<p><strong>Last known position:</strong> {{printf "%.6f" .Latitude}}, {{printf "%.6f" .Longitude}}</p>{{end}}
    </div>

    <p>Contact the person immediately and dispatch assistance if they cannot be reached.</p>

    <div class="footer">
        <p>Sent automatically by the field companion on behalf of user {{.UserID}}.</p>
    </div>
</body>
</html>`
