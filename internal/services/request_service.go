package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	netmail "net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/pkg/logger"
	"github.com/charlesng35/unlockd/pkg/mail"
	"github.com/charlesng35/unlockd/pkg/metrics"
)

const (
	DefaultEmailSubject = "Your exam unlock key"
	defaultSendTimeout  = 10 * time.Second
)

var unlockEmailHTML = template.Must(template.New("unlock").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #1f2933;">
  <p>Here is your one-time exam unlock key:</p>
  <p style="font-size: 20px; font-weight: bold; letter-spacing: 2px;"><code>{{.Code}}</code></p>
  <p>Enter it on the exam unlock screen. The key works once and expires in {{.Minutes}} minutes ({{.Expires}}).</p>
  <p>If you did not request this key you can ignore this message.</p>
</body>
</html>
`))

const unlockEmailText = "Here is your one-time exam unlock key:\n\n%s\n\nEnter it on the exam unlock screen. The key works once and expires in %d minutes (%s).\n"

type unlockEmailData struct {
	Code    string
	Minutes int
	Expires string
}

// RequestConfig tunes the pre-access email flow.
type RequestConfig struct {
	Subject     string
	SendTimeout time.Duration
}

// RequestUnlockInput is the caller supplied part of a request.
type RequestUnlockInput struct {
	Token      string
	Recipient  string
	TTLMinutes *int
}

// RequestUnlockResult acknowledges a sent key without revealing it.
type RequestUnlockResult struct {
	ID        string
	ExpiresAt int64
}

// RequestService mails exam unlock keys to holders of a pre-access token.
type RequestService struct {
	unlock  *UnlockService
	tokens  *auth.TokenService
	mailer  mail.Mailer
	subject string
	timeout time.Duration
	log     *zap.Logger
}

// NewRequestService wires the request flow. A nil mailer is allowed: requests
// then fail with ErrDeliveryNotConfigured.
func NewRequestService(unlock *UnlockService, tokens *auth.TokenService, mailer mail.Mailer, cfg RequestConfig) (*RequestService, error) {
	if unlock == nil {
		return nil, errors.New("request service: unlock service is required")
	}
	if tokens == nil {
		return nil, errors.New("request service: token service is required")
	}

	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = DefaultEmailSubject
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	return &RequestService{
		unlock:  unlock,
		tokens:  tokens,
		mailer:  mailer,
		subject: subject,
		timeout: timeout,
		log:     logger.WithModule("request"),
	}, nil
}

// RequestUnlock issues a GUID exam key and emails it to the recipient. The
// stored key is kept when delivery fails; the caller may simply ask again.
func (s *RequestService) RequestUnlock(ctx context.Context, input RequestUnlockInput) (*RequestUnlockResult, error) {
	if s.tokens.VerifyScope(strings.TrimSpace(input.Token), auth.ScopePre) == nil {
		return nil, ErrUnauthorized
	}

	recipient, err := parseRecipient(input.Recipient)
	if err != nil {
		return nil, err
	}

	if s.mailer == nil {
		return nil, ErrDeliveryNotConfigured
	}
	if err := s.mailer.Ready(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeliveryNotConfigured, err)
	}

	issued, err := s.unlock.Issue(ctx, IssueRequest{
		TTLMinutes: input.TTLMinutes,
		GUID:       true,
		Type:       string(KeyTypeExam),
		Source:     "email",
	})
	if err != nil {
		return nil, err
	}

	msg, err := s.compose(recipient, issued)
	if err != nil {
		return nil, fmt.Errorf("request service: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	provider := s.mailer.Provider()
	receipt, err := s.mailer.Send(sendCtx, msg)
	if err != nil {
		metrics.EmailDeliveries.WithLabelValues(provider, "failure").Inc()
		s.log.Warn("unlock email delivery failed", zap.String("provider", provider), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}

	metrics.EmailDeliveries.WithLabelValues(provider, "success").Inc()
	s.log.Info("unlock email sent", zap.String("provider", provider), zap.String("delivery_id", receipt.ID))
	return &RequestUnlockResult{ID: receipt.ID, ExpiresAt: issued.ExpiresAt}, nil
}

func (s *RequestService) compose(recipient string, issued *IssueResult) (mail.Message, error) {
	data := unlockEmailData{
		Code:    issued.Code,
		Minutes: int(issued.TTL / time.Minute),
		Expires: time.UnixMilli(issued.ExpiresAt).UTC().Format(time.RFC1123),
	}

	var html bytes.Buffer
	if err := unlockEmailHTML.Execute(&html, data); err != nil {
		return mail.Message{}, fmt.Errorf("render email: %w", err)
	}

	return mail.Message{
		To:      []string{recipient},
		Subject: s.subject,
		HTML:    html.String(),
		Text:    fmt.Sprintf(unlockEmailText, data.Code, data.Minutes, data.Expires),
	}, nil
}

func parseRecipient(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	addr, err := netmail.ParseAddress(value)
	if err != nil {
		return "", fmt.Errorf("%w: invalid recipient", ErrInvalidRequest)
	}
	return addr.Address, nil
}
