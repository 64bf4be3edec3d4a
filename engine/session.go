package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/abligh/goms/command"
)

// Session is one ESMTP connection's worth of protocol state: the
// active Codec, the pluggable Handler, feature configuration, and the
// envelope/state-machine fields dispatch.go mutates. conn is kept as
// a net.Conn, not a narrower stream interface, because STARTTLS must
// be able to wrap it in tls.Server.
type Session struct {
	conn    net.Conn
	codec   *Codec
	handler Handler
	cfg     Config
	mode    command.Mode
	log     *logrus.Entry

	st           state
	greeted      bool
	ehloDomain   string
	reversePath  *command.Path
	forwardPaths []command.Path
	chunkStarted bool
	tlsActive    bool
	bodyBytes    int64

	peerAddr string
}

// NewSession constructs a Session around conn, ready for RunSession.
func NewSession(conn net.Conn, handler Handler, cfg Config, log *logrus.Entry) *Session {
	mode := command.Legacy
	if cfg.SMTPUTF8 {
		mode = command.Intl
	}
	codec := NewCodec(conn)
	if cfg.MaxLineLength > 0 {
		codec.SetMaxLineLength(cfg.MaxLineLength)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		conn:    conn,
		codec:   codec,
		handler: handler,
		cfg:     cfg,
		mode:    mode,
		log:     log,
	}
}

// RunSession drives the session to completion: sends the banner, then
// repeatedly reads a command line, dispatches it, and handles any
// follow-up action, until QUIT, a fatal error, EOF, or shutdown is
// observed. shutdown is checked only at the top of the command loop
// and only while no mail transaction is open (stInitial or
// stBDATFAIL), never in the middle of a DATA/BDAT transfer or a
// STARTTLS handshake, so a shutdown request can never truncate an
// in-flight message; if shutdown is nil the check is skipped forever.
func (sess *Session) RunSession(ctx context.Context, shutdown <-chan struct{}) error {
	defer sess.conn.Close()

	if err := sess.codec.WriteReply(ReplyReady(sess.cfg.Hostname, sess.cfg.Software)); err != nil {
		return err
	}

	for {
		idleShutdown := shutdownOrNever(shutdown)
		if sess.st != stInitial && sess.st != stBDATFAIL {
			idleShutdown = nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idleShutdown:
			sess.codec.WriteReply(ReplyShuttingDown())
			return nil
		default:
		}

		frame, err := sess.codec.ReadFrame()
		if err != nil {
			return sess.classifyReadError(err)
		}
		line := command.RemoveCRLF(frame)

		cmd, perr := parseOrReply(line, sess.mode)
		if perr != nil {
			if err := sess.codec.WriteReply(perr.reply); err != nil {
				return err
			}
			continue
		}

		outcome, serr := sess.dispatch(ctx, cmd)
		if serr != nil {
			if serr.Reply.Code != 0 {
				sess.codec.WriteReply(serr.Reply)
			}
			return serr
		}

		if outcome.reply.Code != 0 {
			if err := sess.codec.WriteReply(outcome.reply); err != nil {
				return err
			}
		}

		switch outcome.action {
		case actionQuit:
			return nil
		case actionData:
			if err := sess.runData(ctx); err != nil {
				return err
			}
		case actionBdat:
			if err := sess.runBdat(ctx, outcome); err != nil {
				return err
			}
		case actionStartTLS:
			if err := sess.runStartTLS(ctx); err != nil {
				return err
			}
		}
	}
}

func shutdownOrNever(shutdown <-chan struct{}) <-chan struct{} {
	if shutdown == nil {
		return nil
	}
	return shutdown
}

// parseErr bundles a parse failure with the reply it maps to.
type parseErr struct {
	reply Reply
}

// parseOrReply maps a parse failure to the reply it produces.
// Unrecognized verbs get 502 (command not implemented) rather than a
// blanket 500 (syntax error) for every parse failure: an unknown verb
// is a different condition from a malformed instance of a known verb,
// and most real ESMTP servers distinguish them the same way. See
// DESIGN.md for the rationale.
func parseOrReply(line []byte, mode command.Mode) (command.Command, *parseErr) {
	rest, cmd, err := command.Parse(line, mode)
	if err == nil && len(rest) > 0 {
		err = command.ErrTrailingData
	}
	if err == nil {
		return cmd, nil
	}
	switch err {
	case command.ErrUnrecognized:
		return command.Command{}, &parseErr{reply: ReplyNotImplemented()}
	default:
		return command.Command{}, &parseErr{reply: ReplySyntaxError()}
	}
}

// classifyReadError turns a Codec read failure into the error
// RunSession returns: io.EOF is a clean peer hangup (nil error, the
// caller just stops), framing/length violations get a best-effort
// reply before closing.
func (sess *Session) classifyReadError(err error) error {
	switch err {
	case io.EOF:
		return nil
	case ErrLineTooLong:
		sess.codec.WriteReply(NewReply(500, nil, "5.5.2 Line too long"))
		return err
	case ErrFraming:
		sess.codec.WriteReply(NewReply(500, nil, "5.5.2 Syntax error: bare CR or LF"))
		return err
	default:
		return err
	}
}

// runData pumps a DATA body through the handler and emits the final
// reply, using a transaction-cumulative size budget.
func (sess *Session) runData(ctx context.Context) error {
	stream := newDataStream(sess.codec, sess.remainingBudget())
	res, err := sess.handler.Data(ctx, stream)
	if err != nil {
		se := asServerError(err)
		if se.Reply.Code != 0 {
			sess.codec.WriteReply(se.Reply)
		}
		return se
	}
	if !stream.Done() {
		sess.codec.WriteReply(ReplyDataAbort())
		return &ServerError{Reply: ReplyDataAbort(), Err: fmt.Errorf("engine: handler returned before the DATA body was drained")}
	}
	sess.bodyBytes += stream.totalRead
	sess.handler.Rset(ctx)
	sess.resetTransaction()
	return sess.codec.WriteReply(res.Reply)
}

// runBdat pumps one BDAT chunk through the handler (or discards it,
// in stBDATFAIL) and emits that chunk's reply.
func (sess *Session) runBdat(ctx context.Context, outcome dispatchOutcome) error {
	stream := newBdatStream(sess.codec, outcome.bdatSize, outcome.bdatLast, sess.remainingBudget())

	if outcome.bdatDiscard {
		for !stream.Done() {
			if _, err := stream.Next(ctx); err != nil && err != ErrBodyTooLarge {
				return err
			}
		}
		reply := ReplyTransactionFailed("5.6.0 Previous chunk failed, this chunk discarded")
		if outcome.bdatLast {
			sess.handler.Rset(ctx)
			sess.resetTransaction()
		}
		return sess.codec.WriteReply(reply)
	}

	res, herr := sess.handler.Bdat(ctx, stream, outcome.bdatLast)
	sess.bodyBytes += stream.totalRead
	if herr != nil {
		se := asServerError(herr)
		if se.Reply.Code != 0 {
			sess.codec.WriteReply(se.Reply)
		}
		return se
	}
	if !stream.Done() {
		sess.codec.WriteReply(ReplyDataAbort())
		return &ServerError{Reply: ReplyDataAbort(), Err: fmt.Errorf("engine: handler returned before the BDAT chunk was drained")}
	}
	if res.Reply.Code/100 != 2 {
		sess.st = stBDATFAIL
	} else if outcome.bdatLast {
		sess.handler.Rset(ctx)
		sess.resetTransaction()
	}
	return sess.codec.WriteReply(res.Reply)
}

// remainingBudget returns the byte budget left for the current
// transaction, or -1 (unbounded) if no MaxMessageSize is configured.
func (sess *Session) remainingBudget() int64 {
	if sess.cfg.MaxMessageSize <= 0 {
		return -1
	}
	remaining := sess.cfg.MaxMessageSize - sess.bodyBytes
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// runStartTLS performs the in-band TLS upgrade: tear the Codec down,
// refuse to proceed if pipelined bytes were already buffered (that
// would let a MITM smuggle plaintext commands the client believes
// were sent post-handshake), handshake, then rebuild the Codec and
// reset all envelope state.
func (sess *Session) runStartTLS(ctx context.Context) error {
	rw, leftover := sess.codec.Destructure()
	if len(leftover) > 0 {
		return &ServerError{
			Reply: NewReply(554, nil, "5.5.0 Pipelining not permitted across STARTTLS"),
			Err:   fmt.Errorf("engine: %d bytes pipelined across STARTTLS boundary", len(leftover)),
		}
	}

	tlsConn := tls.Server(rw, sess.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("engine: TLS handshake failed: %w", err)
	}

	sess.conn = tlsConn
	sess.codec = NewCodec(tlsConn)
	if sess.cfg.MaxLineLength > 0 {
		sess.codec.SetMaxLineLength(sess.cfg.MaxLineLength)
	}
	sess.tlsActive = true
	sess.greeted = false
	sess.resetTransaction()
	sess.handler.TLSStarted(ctx, tlsConn.ConnectionState())
	return nil
}

// baseEHLOKeywords builds the keyword set the engine would advertise
// on its own, driven entirely by Config so
// SIZE/8BITMIME/SMTPUTF8/CHUNKING/STARTTLS can each be toggled
// independently. This is the baseKeywords passed into Handler.EHLO,
// which may accept it as-is or add to/override it.
func (sess *Session) baseEHLOKeywords() []string {
	var kws []string
	kws = append(kws, "PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES")
	if sess.cfg.MaxMessageSize > 0 {
		kws = append(kws, fmt.Sprintf("SIZE %d", sess.cfg.MaxMessageSize))
	}
	if sess.cfg.SMTPUTF8 {
		kws = append(kws, "SMTPUTF8")
	}
	if sess.cfg.Chunking {
		kws = append(kws, "CHUNKING")
	}
	if sess.cfg.StartTLS && !sess.tlsActive {
		kws = append(kws, "STARTTLS")
	}
	sort.Strings(kws[1:]) // keep PIPELINING first, the rest alphabetical for stable test fixtures
	return kws
}

// composeEHLOReply builds the multi-line 250 EHLO response from a
// greeting line and the final keyword list, whichever the handler
// settled on.
func composeEHLOReply(greeting string, keywords []string) Reply {
	lines := append([]string{greeting}, keywords...)
	return NewReply(250, nil, strings.Join(lines, "\n"))
}
