package engine

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/abligh/goms/command"
)

// HandlerResult is the non-fatal outcome of a Handler callback: the
// Reply to send back to the client. Returning a HandlerResult with a
// nil error lets the session continue; it is the counterpart to
// ServerError below, splitting a policy rejection (the transaction
// goes on) from a fatal condition (the connection must close).
type HandlerResult struct {
	Reply Reply
}

// EHLOResult is the outcome of Handler.EHLO. Leaving Reply zero-valued
// (or 2xx) accepts the greeting; any other code rejects it without
// closing the session. On acceptance, Greeting and Keywords let the
// handler add to or override what the engine would otherwise send:
// Greeting replaces the default "<hostname> greets <domain>" line when
// non-empty, and Keywords, when non-nil, replaces the base keyword set
// the engine passed into EHLO as the final advertised list (so a
// handler can add e.g. AUTH or drop one the engine offered).
type EHLOResult struct {
	Reply    Reply
	Greeting string
	Keywords []string
}

// ServerError is returned by a Handler callback when the session
// cannot continue: the engine sends Reply (if non-zero) on a
// best-effort basis and then closes the connection. Wrap an
// underlying cause in Err for logging; Error() renders only the
// reply text, never internal detail, to keep the wire-visible message
// stable regardless of Err's content.
type ServerError struct {
	Reply Reply
	Err   error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: fatal: %s: %v", e.Reply.Text, e.Err)
	}
	return fmt.Sprintf("engine: fatal: %s", e.Reply.Text)
}

func (e *ServerError) Unwrap() error { return e.Err }

// Handler is the pluggable callback surface the dispatcher drives.
// Every callback that can be refused by policy returns
// (HandlerResult, error); a non-nil error must be a *ServerError, and
// anything else is handled as an implementation bug (the engine
// panics rather than masking it, since no Handler should construct
// any other error type here). One explicit interface lets alternative
// handlers (see engine/sample) be swapped in without touching the
// dispatcher.
type Handler interface {
	// EHLO is called once per greeting with the keyword set the engine
	// would advertise based on Config (SIZE/8BITMIME/SMTPUTF8/CHUNKING/
	// STARTTLS/etc). The handler may accept it as-is, add to or replace
	// it, and supply its own greeting text; see EHLOResult.
	EHLO(ctx context.Context, domain string, baseKeywords []string) (EHLOResult, error)

	// HELO is called once per legacy (non-extended) greeting. Returning
	// a HandlerResult whose Reply.Code is not 2xx refuses the greeting
	// without closing the session (the client may retry).
	HELO(ctx context.Context, domain string) (HandlerResult, error)

	// MAIL is called once a reverse-path has been parsed. A non-2xx
	// Reply rejects the sender; the transaction does not start.
	MAIL(ctx context.Context, from command.Path, params []command.Param) (HandlerResult, error)

	// RCPT is called once per forward-path. A non-2xx Reply rejects
	// just that recipient; other recipients already accepted remain
	// valid.
	RCPT(ctx context.Context, to command.Path, params []command.Param) (HandlerResult, error)

	// DataStart is called right before the engine sends the 354
	// intermediate reply, giving the handler a chance to refuse the
	// transfer outright (e.g. too many recipients already rejected).
	DataStart(ctx context.Context) (HandlerResult, error)

	// Data is called once, right after the 354 reply, with a BodyStream
	// that reads the dot-unstuffed message body line by line; the
	// stream is drained once it has consumed the terminating "." line.
	// Returning before the stream is drained ends the session with a
	// 550 reply.
	Data(ctx context.Context, body BodyStream) (HandlerResult, error)

	// Bdat is called once per BDAT command with a BodyStream over
	// exactly that chunk. last is true on the chunk declared LAST.
	Bdat(ctx context.Context, body BodyStream, last bool) (HandlerResult, error)

	// Rset notifies the handler that the transaction state was
	// cleared, by RSET or by transaction completion. It cannot refuse.
	Rset(ctx context.Context)

	// TLSRequest is called when the client sends STARTTLS, before any
	// handshake begins. Returning false refuses the upgrade (502);
	// returning true lets the engine proceed with the handshake.
	TLSRequest(ctx context.Context) bool

	// TLSStarted is called once, after a successful STARTTLS handshake,
	// so the handler can record the negotiated connection state (e.g.
	// for trust decisions made by later MAIL/RCPT calls).
	TLSStarted(ctx context.Context, cs tls.ConnectionState)
}
