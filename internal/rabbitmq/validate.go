package rabbitmq

import (
	"fmt"
	"regexp"
	"strings"
)

const maxNameLength = 255

// amqpNamePattern matches the characters allowed in exchange and queue names.
var amqpNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// dangerousNamePatterns are rejected outright: traversal sequences and the
// broker-reserved prefix.
var dangerousNamePatterns = []string{"..", "//", "amq."}

// ValidateName checks an exchange or queue name: non-empty, bounded length,
// restricted charset, and no reserved or traversal patterns.
func ValidateName(name, field string) error {
	if name == "" {
		return &ValidationError{Field: field, Err: fmt.Errorf("%w: cannot be empty", ErrInvalidName)}
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: field, Err: fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)}
	}
	if !amqpNamePattern.MatchString(name) {
		return &ValidationError{Field: field, Err: fmt.Errorf("%w: contains invalid characters", ErrInvalidName)}
	}
	for _, pattern := range dangerousNamePatterns {
		if strings.Contains(name, pattern) {
			return &ValidationError{Field: field, Err: fmt.Errorf("%w: contains reserved pattern %q", ErrInvalidName, pattern)}
		}
	}
	return nil
}

// ValidateRoutingKey checks a routing key. Unlike names, routing keys may
// contain the topic wildcards '*' and '#' and may be empty.
func ValidateRoutingKey(key string) error {
	if len(key) > maxNameLength {
		return &ValidationError{Field: "routing_key", Err: fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)}
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-', r == '*', r == '#':
		default:
			return &ValidationError{Field: "routing_key", Err: fmt.Errorf("%w: contains invalid character %q", ErrInvalidName, r)}
		}
	}
	return nil
}

// ValidateMessageSize rejects payloads larger than the configured maximum
// before any network I/O happens.
func ValidateMessageSize(body []byte, maxSize int) error {
	if maxSize > 0 && len(body) > maxSize {
		return &ValidationError{
			Field: "payload",
			Err:   fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, len(body), maxSize),
		}
	}
	return nil
}
