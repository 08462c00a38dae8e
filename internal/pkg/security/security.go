// Package security provides input checks and log sanitization.
package security

import (
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
)

// Key validation errors.
var (
	ErrKeyEmpty     = &KeyError{Reason: "key is empty"}
	ErrKeyNullByte  = &KeyError{Reason: "key contains null byte"}
	ErrKeyTraversal = &KeyError{Reason: "key escapes its root"}
	ErrKeyAbsolute  = &KeyError{Reason: "absolute key not allowed"}
	ErrKeyTooLong   = &KeyError{Reason: "key exceeds maximum length"}
	ErrKeyReserved  = &KeyError{Reason: "key contains reserved name"}
)

// KeyError reports an unusable object key.
type KeyError struct {
	Reason string
	Key    string
}

func (e *KeyError) Error() string {
	if e.Key != "" {
		return e.Reason + ": " + e.Key
	}
	return e.Reason
}

// Is matches any KeyError with the same reason.
func (e *KeyError) Is(target error) bool {
	t, ok := target.(*KeyError)
	return ok && t.Reason == e.Reason
}

// MaxKeyLength matches the S3 object key limit.
const MaxKeyLength = 1024

// reservedNames are Windows device names that cannot be file names.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ValidateKey checks that a slash-separated object key stays below its root
// when mapped onto a file system.
func ValidateKey(key string) error {
	if key == "" {
		return ErrKeyEmpty
	}
	if strings.Contains(key, "\x00") {
		return &KeyError{Reason: ErrKeyNullByte.Reason, Key: "[contains null byte]"}
	}
	if len(key) > MaxKeyLength {
		return &KeyError{Reason: ErrKeyTooLong.Reason, Key: key[:50] + "..."}
	}

	// filepath.IsAbs only knows the current OS.
	if filepath.IsAbs(key) || strings.HasPrefix(key, "/") || strings.HasPrefix(key, `\`) ||
		(len(key) > 1 && key[1] == ':') {
		return &KeyError{Reason: ErrKeyAbsolute.Reason, Key: SanitizeForLog(key)}
	}

	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(key)))
	if cleaned == "." {
		return ErrKeyEmpty
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return &KeyError{Reason: ErrKeyTraversal.Reason, Key: SanitizeForLog(key)}
		}
		base := strings.ToLower(part)
		if idx := strings.Index(base, "."); idx > 0 {
			base = base[:idx]
		}
		if reservedNames[base] {
			return &KeyError{Reason: ErrKeyReserved.Reason, Key: SanitizeForLog(key)}
		}
	}
	return nil
}

// SanitizeForLog escapes line breaks, drops control characters and truncates
// s so client-supplied text cannot forge log lines.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 200)
}

// SanitizeForLogWithLength is SanitizeForLog with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}

// RedactURL masks the password in a connection URL. Unparseable input is
// replaced entirely.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
