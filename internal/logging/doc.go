// Package logging provides structured logging helpers for inboxrank.
//
// All packages log through log/slog. This package keeps attribute names
// consistent and makes sure credentials and mailbox identities never reach
// the log output in clear text.
//
// # Usage Patterns
//
//	logger := logging.WithOperation(slog.Default(), "broker.refresh")
//	logger.Info("credential refreshed",
//	    logging.UserHash(identity),
//	    logging.Status(logging.StatusSuccess))
//
// # Security Considerations
//
//   - Identities (email addresses) are hashed before they are logged
//   - Tokens are reduced to a length indicator
//   - Session references are never logged
package logging
