// internal/store/notify/sender.go
// Outbound email for message notifications and password recovery

package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Email is a rendered message ready to send
type Email struct {
	To        string
	ToName    string
	Subject   string
	PlainText string
	HTML      string
}

// Sender delivers email
type Sender interface {
	Send(ctx context.Context, email *Email) error
}

// SendGridSender implements Sender using SendGrid
type SendGridSender struct {
	client   *sendgrid.Client
	from     string
	fromName string
}

// NewSendGridSender creates a new SendGrid sender
func NewSendGridSender(apiKey, from string) *SendGridSender {
	return &SendGridSender{
		client:   sendgrid.NewSendClient(apiKey),
		from:     from,
		fromName: "Eugeniagram",
	}
}

// Send sends an email using SendGrid
func (s *SendGridSender) Send(ctx context.Context, email *Email) error {
	if email.To == "" {
		return fmt.Errorf("email has no recipient")
	}
	from := mail.NewEmail(s.fromName, s.from)
	to := mail.NewEmail(email.ToName, email.To)
	message := mail.NewSingleEmail(from, email.Subject, to, email.PlainText, email.HTML)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email via SendGrid: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("SendGrid returned error status: %d", response.StatusCode)
	}
	return nil
}

// MockSender records emails instead of sending them
type MockSender struct {
	mu   sync.Mutex
	sent []Email
	Err  error
}

// NewMockSender creates a new mock sender
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) Send(ctx context.Context, email *Email) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *email)
	return nil
}

// Sent returns a copy of the recorded emails
func (m *MockSender) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Email, len(m.sent))
	copy(out, m.sent)
	return out
}

// NewSender picks the provider named in configuration
func NewSender(provider, apiKey, from string) (Sender, error) {
	switch provider {
	case "sendgrid":
		return NewSendGridSender(apiKey, from), nil
	case "mock":
		return NewMockSender(), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", provider)
	}
}
