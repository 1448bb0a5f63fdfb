// internal/sender/sender.go
package sender

import (
	"context"
	"fmt"
	"math/rand"
	"net/smtp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sender is the delivery transport capability. The dispatcher treats any
// returned error uniformly, whatever its cause.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) (string, error)
}

// SMTPSender delivers through a plain SMTP relay.
type SMTPSender struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

func (s *SMTPSender) Send(_ context.Context, recipient, subject, body string) (string, error) {
	messageID := uuid.NewString()

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Message-ID: <%s@mailsched>\r\n", messageID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := s.Host + ":" + s.Port
	auth := smtp.PlainAuth("", s.User, s.Pass, s.Host)
	if err := smtp.SendMail(addr, auth, s.From, []string{recipient}, []byte(msg.String())); err != nil {
		return "", fmt.Errorf("smtp send to %s: %w", recipient, err)
	}
	return messageID, nil
}

// MockSender simulates a transport for dev mode: succeeds with the given
// probability and remembers what it sent.
type MockSender struct {
	SuccessRate float64 // 0..1; 0 means always fail
	rng         *rand.Rand

	mu   sync.Mutex
	sent []string
}

func NewMockSender(successRate float64, seed int64) *MockSender {
	return &MockSender{
		SuccessRate: successRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (m *MockSender) Send(_ context.Context, recipient, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rng.Float64() >= m.SuccessRate {
		return "", fmt.Errorf("mock sending failed")
	}
	m.sent = append(m.sent, recipient)
	return uuid.NewString(), nil
}

// Sent returns the recipients delivered so far.
func (m *MockSender) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

var _ Sender = (*SMTPSender)(nil)
var _ Sender = (*MockSender)(nil)
