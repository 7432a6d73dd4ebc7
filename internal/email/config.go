package email

import (
	"fmt"
	"net/mail"
	"strings"

	"LokaMail/internal/mailerr"
)

type Encryption string

const (
	EncryptionNone Encryption = "none"
	// EncryptionTLS upgrades a plain connection with STARTTLS.
	EncryptionTLS Encryption = "tls"
	// EncryptionSSL wraps the connection in TLS before the greeting.
	EncryptionSSL Encryption = "ssl"
)

// Config is the static SMTP configuration a Mailer is built with.
type Config struct {
	Enabled     bool
	Host        string
	Port        int
	Username    string
	Password    string
	Encryption  Encryption
	FromAddress string
	FromName    string
	// HeloName is sent with EHLO; defaults to the local hostname.
	HeloName string
}

// Validate checks everything that can be checked without a network round trip.
func (c Config) Validate() []error {
	var errs []error

	if !c.Enabled {
		errs = append(errs, mailerr.Config("email sending is disabled"))
		return errs
	}
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, mailerr.Config("smtp host is not configured"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, mailerr.Config(fmt.Sprintf("smtp port %d is invalid", c.Port)))
	}
	if c.Username == "" || c.Password == "" {
		errs = append(errs, mailerr.Config("smtp credentials are not configured"))
	}
	switch c.Encryption {
	case EncryptionNone, EncryptionTLS, EncryptionSSL:
	default:
		errs = append(errs, mailerr.Config(fmt.Sprintf("unknown smtp encryption %q", c.Encryption)))
	}
	if c.FromAddress == "" {
		errs = append(errs, mailerr.Config("from address is not configured"))
	} else if !validAddress(c.FromAddress) {
		errs = append(errs, mailerr.Config(fmt.Sprintf("from address %q is invalid", c.FromAddress)))
	}

	return errs
}

func ParseEncryption(s string) Encryption {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tls", "starttls":
		return EncryptionTLS
	case "ssl", "smtps":
		return EncryptionSSL
	case "", "none":
		return EncryptionNone
	default:
		return Encryption(s)
	}
}

// ValidAddress reports whether addr is a bare, syntactically valid address.
func ValidAddress(addr string) bool {
	return validAddress(addr)
}

func validAddress(addr string) bool {
	if addr == "" || strings.ContainsAny(addr, "\r\n<>") {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	return parsed.Address == addr && strings.Contains(addr[strings.LastIndexByte(addr, '@')+1:], ".")
}
