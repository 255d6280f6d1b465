package mail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrNotConfigured signals that the selected provider lacks credentials or a sender.
var ErrNotConfigured = errors.New("mail: delivery not configured")

// Message represents an outbound email. HTML is preferred; Text is sent as the
// plain alternative when present.
type Message struct {
	From    string
	To      []string
	Subject string
	HTML    string
	Text    string
}

// Receipt identifies an accepted message at the provider.
type Receipt struct {
	ID string
}

// Mailer defines behaviour for sending email messages.
type Mailer interface {
	// Ready reports ErrNotConfigured when Send could never succeed.
	Ready() error
	Send(ctx context.Context, msg Message) (Receipt, error)
	Provider() string
}

// resolveEnvelope applies the default sender and validates all addresses.
func resolveEnvelope(prefix string, msg Message, defaultFrom string) (string, []string, error) {
	recipients := uniqueAddresses(msg.To)
	if len(recipients) == 0 {
		return "", nil, fmt.Errorf("%s: at least one recipient is required", prefix)
	}

	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = strings.TrimSpace(defaultFrom)
	}
	if from == "" {
		return "", nil, fmt.Errorf("%s: sender address is required", prefix)
	}

	if _, err := mail.ParseAddress(from); err != nil {
		return "", nil, fmt.Errorf("%s: invalid from address: %w", prefix, err)
	}

	for _, rcpt := range recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return "", nil, fmt.Errorf("%s: invalid recipient address %q: %w", prefix, rcpt, err)
		}
	}
	return from, recipients, nil
}

func uniqueAddresses(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	var result []string
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, exists := seen[addr]; exists {
			continue
		}
		seen[addr] = struct{}{}
		result = append(result, addr)
	}
	return result
}
