package engine

import "crypto/tls"

// Config is the set of per-session feature flags the dispatcher
// consults. It is deliberately small: transport concerns (listen
// address, daemonizing, logging destinations) live in package smtpd;
// Config carries only what changes the wire-level protocol behaviour
// a Session exposes.
type Config struct {
	// Hostname is sent in the greeting banner and in the default EHLO
	// greeting line; the HELO reply is whatever the Handler returns.
	Hostname string
	// Software is the product token in the 220 banner, e.g. "goms".
	Software string

	// SMTPUTF8 advertises and accepts RFC 6531 UTF-8 mailbox local
	// parts. When false, the command parser runs in command.Legacy
	// mode and any non-ASCII byte in MAIL/RCPT is a syntax error.
	SMTPUTF8 bool

	// Chunking advertises CHUNKING (RFC 3030) and accepts BDAT. When
	// false, BDAT is reported as unrecognized.
	Chunking bool

	// StartTLS advertises STARTTLS and accepts it. TLSConfig must be
	// non-nil if StartTLS is true.
	StartTLS bool
	TLSConfig *tls.Config

	// MaxMessageSize bounds the total octets of one message body,
	// across all BDAT chunks or the one DATA transfer; zero means
	// unbounded. Advertised via the SIZE EHLO keyword when nonzero.
	MaxMessageSize int64

	// MaxRecipients bounds RCPT commands accepted per transaction;
	// zero means unbounded.
	MaxRecipients int

	// MaxLineLength overrides DefaultMaxLineLength for command-mode
	// framing; zero uses the default.
	MaxLineLength int
}

// DefaultConfig returns a Config with SMTPUTF8 and Chunking enabled,
// STARTTLS disabled (since that requires an operator-supplied
// tls.Config), and no size limits.
func DefaultConfig() Config {
	return Config{
		Hostname: "localhost",
		Software: "goms",
		SMTPUTF8: true,
		Chunking: true,
	}
}
