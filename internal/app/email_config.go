package app

import (
	"net/http"
	"strings"

	"github.com/charlesng35/unlockd/internal/services"
	"github.com/charlesng35/unlockd/pkg/mail"
)

// Email providers.
const (
	EmailProviderAPI  = "api"
	EmailProviderSMTP = "smtp"
)

// SMTPSettings converts EmailConfig to the mail package representation. The
// mailer is enabled as soon as a host is set.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  strings.TrimSpace(c.SMTP.Host) != "",
		Host:     strings.TrimSpace(c.SMTP.Host),
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     strings.TrimSpace(c.From),
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
}

// APISettings converts EmailConfig to the HTTP provider settings.
func (c EmailConfig) APISettings() mail.APISettings {
	endpoint := strings.TrimSpace(c.API.Endpoint)
	if endpoint == "" {
		endpoint = mail.DefaultAPIEndpoint
	}
	return mail.APISettings{
		Endpoint: endpoint,
		APIKey:   strings.TrimSpace(c.API.Key),
		From:     strings.TrimSpace(c.From),
		Timeout:  c.API.Timeout,
	}
}

// NewMailer builds the configured provider. Missing credentials are not an
// error here; the mailer reports them through Ready.
func (c EmailConfig) NewMailer(client *http.Client) (mail.Mailer, error) {
	if strings.EqualFold(strings.TrimSpace(c.Provider), EmailProviderSMTP) {
		return mail.NewSMTPMailer(c.SMTPSettings())
	}
	return mail.NewAPIMailer(c.APISettings(), client), nil
}

// RequestServiceConfig converts EmailConfig into request flow parameters.
func (c EmailConfig) RequestServiceConfig() services.RequestConfig {
	timeout := c.API.Timeout
	if strings.EqualFold(strings.TrimSpace(c.Provider), EmailProviderSMTP) {
		timeout = c.SMTP.Timeout
	}
	return services.RequestConfig{
		Subject:     c.Subject,
		SendTimeout: timeout,
	}
}
