package testutil

import "log/slog"

// DiscardLogger returns a slog.Logger that drops all output, keeping test
// logs quiet. Equivalent to log.NewNop(); use this form where importing
// internal/log would be circular.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
