package email

import (
	"fmt"
	"net/mail"
)

// SMTPConfig holds the outbound mail server used for reimbursement
// notifications. It is embedded in the top-level config under the
// "smtp" YAML key.
type SMTPConfig struct {
	// Host is the SMTP server hostname. Empty disables sending.
	Host string `yaml:"host"`

	// Port defaults to 587 (submission with STARTTLS).
	Port int `yaml:"port"`

	Username string `yaml:"username"`

	// Password supports ${ENV} expansion through the config loader.
	Password string `yaml:"password"`

	// StartTLS upgrades a plain connection after EHLO. It is turned on
	// for every port except 465, which uses implicit TLS.
	StartTLS bool `yaml:"starttls"`

	// From is the sender address for every notification, e.g.
	// "Reimbursements <ap@example.com>". Required when Host is set.
	From string `yaml:"from"`

	// AuditBcc receives a blind copy of every notification unless it is
	// already a recipient.
	AuditBcc string `yaml:"audit_bcc"`
}

// Configured reports whether notifications can actually be delivered.
func (c SMTPConfig) Configured() bool {
	return c.Host != ""
}

// ApplyDefaults fills zero-value fields. Called by the parent config's
// applyDefaults method.
func (c *SMTPConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 587
	}
	if !c.StartTLS && c.Port != 465 {
		c.StartTLS = true
	}
}

// Validate checks the SMTP section. An unconfigured section is valid.
func (c SMTPConfig) Validate() error {
	if !c.Configured() {
		return nil
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("smtp.port %d out of range (1-65535)", c.Port)
	}
	if c.From == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		return fmt.Errorf("smtp.from %q: %w", c.From, err)
	}
	if c.Username != "" && c.Password == "" {
		return fmt.Errorf("smtp.password is required when smtp.username is set")
	}
	return nil
}
