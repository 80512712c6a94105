// Package validate gates admission on URL shape, scheme, host
// whitelist, and path safety, built on net/url.Parse with explicit
// scheme/host checks: https only, whitelisted hosts, no path
// traversal.
package validate

import (
	"net"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/aperio-dev/aperio/internal/jobserr"
)

// Config holds the admission rules pulled from the security section of
// the environment surface.
type Config struct {
	MaxURLLength   int
	AllowedDomains []string
}

// Validator checks candidate URLs against Config before a Job is
// admitted.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateURL applies every precondition in order, so the first
// violation found is always the one reported.
func (v *Validator) ValidateURL(raw string) error {
	if len(raw) > v.cfg.MaxURLLength {
		return jobserr.New(jobserr.KindInvalidURL, "length")
	}

	for _, r := range raw {
		if unicode.IsControl(r) {
			return jobserr.New(jobserr.KindInvalidURL, "control characters")
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return jobserr.Wrap(jobserr.KindInvalidURL, "unparseable", err)
	}

	if u.Scheme != "https" {
		return jobserr.New(jobserr.KindInvalidURL, "scheme")
	}

	if u.User != nil {
		return jobserr.New(jobserr.KindInvalidURL, "embedded credentials")
	}

	host := u.Hostname()
	if host == "" {
		return jobserr.New(jobserr.KindInvalidURL, "missing host")
	}
	if strings.EqualFold(host, "localhost") {
		return jobserr.New(jobserr.KindInvalidURL, "localhost not permitted")
	}
	if net.ParseIP(host) != nil {
		return jobserr.New(jobserr.KindInvalidURL, "IP literal host not permitted")
	}

	if !v.hostAllowed(host) {
		return jobserr.New(jobserr.KindInvalidURL, "domain not allowed")
	}

	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if seg == ".." {
			return jobserr.New(jobserr.KindInvalidURL, "path traversal segment")
		}
	}

	decodedPath, err := url.PathUnescape(u.EscapedPath())
	if err != nil {
		return jobserr.Wrap(jobserr.KindInvalidURL, "undecodable path", err)
	}
	if cleaned := path.Clean("/" + decodedPath); strings.HasPrefix(cleaned, "/..") {
		return jobserr.New(jobserr.KindInvalidURL, "path escapes origin")
	}

	return nil
}

// hostAllowed reports whether host matches one whitelist entry either
// exactly or as a subdomain suffix (.<allowed>).
func (v *Validator) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range v.cfg.AllowedDomains {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// ValidJobID matches the canonical 36-character hyphenated hex UUID
// form; anything else is rejected before a store lookup is attempted.
func ValidJobID(id string) bool {
	if len(id) != 36 {
		return false
	}
	for i, r := range id {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHexDigit(r) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
