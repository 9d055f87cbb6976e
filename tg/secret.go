package tg

import "log/slog"

// SecretToken is a bot token that redacts itself in logs and string output.
type SecretToken string

// LogValue implements slog.LogValuer to redact tokens in logs.
func (SecretToken) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// String returns "[REDACTED]" to prevent accidental exposure in fmt output.
func (SecretToken) String() string {
	return "[REDACTED]"
}

// Value returns the actual token. Use sparingly and never log the result.
func (t SecretToken) Value() string {
	return string(t)
}

// IsEmpty reports whether the token is unset.
func (t SecretToken) IsEmpty() bool {
	return len(t) == 0
}
