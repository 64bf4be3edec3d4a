package engine

import (
	"context"
	"fmt"

	"github.com/abligh/goms/command"
)

// dispatchAction tells the session driver what to do after a command
// has produced its (possibly empty) immediate Reply: most commands
// need nothing further, but DATA/BDAT/STARTTLS/QUIT each hand control
// to a dedicated follow-up step in session.go.
type dispatchAction int

const (
	actionContinue dispatchAction = iota
	actionData
	actionBdat
	actionStartTLS
	actionQuit
)

// dispatchOutcome is the result of dispatching one parsed Command.
type dispatchOutcome struct {
	reply  Reply
	action dispatchAction

	bdatSize    uint64
	bdatLast    bool
	bdatDiscard bool // true if in stBDATFAIL: drain and discard, do not call the handler
}

// dispatch advances the session state machine by exactly one command
// and returns the reply to send plus any follow-up action. A non-nil
// *ServerError means the caller must send (if non-zero) the error's
// Reply and then close the connection; it is never returned alongside
// a usable dispatchOutcome.
//
// Structured as a switch over the explicit state enum in state.go
// rather than a tangle of mailFrom/rcptTo/inData booleans, so each
// verb's legal predecessor states are visible at the call site.
func (sess *Session) dispatch(ctx context.Context, cmd command.Command) (dispatchOutcome, *ServerError) {
	switch cmd.Kind {
	case command.EHLO:
		return sess.dispatchEHLO(ctx, cmd)
	case command.HELO:
		return sess.dispatchHELO(ctx, cmd)
	case command.MAIL:
		return sess.dispatchMAIL(ctx, cmd)
	case command.RCPT:
		return sess.dispatchRCPT(ctx, cmd)
	case command.DATA:
		return sess.dispatchDATA(ctx)
	case command.BDAT:
		return sess.dispatchBDAT(ctx, cmd)
	case command.RSET:
		sess.handler.Rset(ctx)
		sess.resetTransaction()
		return dispatchOutcome{reply: ReplyOK()}, nil
	case command.QUIT:
		return dispatchOutcome{reply: ReplyClosing(), action: actionQuit}, nil
	case command.NOOP:
		return dispatchOutcome{reply: ReplyOK()}, nil
	case command.VRFY:
		return dispatchOutcome{reply: NewReply(252, nil, "2.5.2 Cannot VRFY user, but will accept message and attempt delivery")}, nil
	case command.HELP:
		return dispatchOutcome{reply: NewReply(214, nil, "See RFC 5321")}, nil
	case command.STARTTLS:
		return sess.dispatchSTARTTLS(ctx)
	default:
		return dispatchOutcome{reply: ReplyNotImplemented()}, nil
	}
}

func (sess *Session) dispatchEHLO(ctx context.Context, cmd command.Command) (dispatchOutcome, *ServerError) {
	base := sess.baseEHLOKeywords()
	res, err := sess.handler.EHLO(ctx, cmd.Domain, base)
	if err != nil {
		return dispatchOutcome{}, asServerError(err)
	}
	if res.Reply.Code != 0 && res.Reply.Code/100 != 2 {
		return dispatchOutcome{reply: res.Reply}, nil
	}
	sess.greeted = true
	sess.ehloDomain = cmd.Domain
	sess.resetTransaction()

	keywords := res.Keywords
	if keywords == nil {
		keywords = base
	}
	greeting := res.Greeting
	if greeting == "" {
		greeting = fmt.Sprintf("%s greets %s", sess.cfg.Hostname, cmd.Domain)
	}
	return dispatchOutcome{reply: composeEHLOReply(greeting, keywords)}, nil
}

func (sess *Session) dispatchHELO(ctx context.Context, cmd command.Command) (dispatchOutcome, *ServerError) {
	res, err := sess.handler.HELO(ctx, cmd.Domain)
	if err != nil {
		return dispatchOutcome{}, asServerError(err)
	}
	if res.Reply.Code/100 == 2 {
		sess.greeted = true
		sess.ehloDomain = cmd.Domain
		sess.resetTransaction()
	}
	return dispatchOutcome{reply: res.Reply}, nil
}

func (sess *Session) dispatchMAIL(ctx context.Context, cmd command.Command) (dispatchOutcome, *ServerError) {
	if sess.st != stInitial {
		return dispatchOutcome{reply: ReplyBadSequence()}, nil
	}
	res, err := sess.handler.MAIL(ctx, cmd.ReversePath, cmd.Params)
	if err != nil {
		return dispatchOutcome{}, asServerError(err)
	}
	if res.Reply.Code/100 != 2 {
		return dispatchOutcome{reply: res.Reply}, nil
	}
	path := cmd.ReversePath
	sess.reversePath = &path
	sess.st = stMAIL
	return dispatchOutcome{reply: res.Reply}, nil
}

func (sess *Session) dispatchRCPT(ctx context.Context, cmd command.Command) (dispatchOutcome, *ServerError) {
	if sess.st != stMAIL && sess.st != stRCPT {
		return dispatchOutcome{reply: ReplyNoMailTransaction()}, nil
	}
	if sess.cfg.MaxRecipients > 0 && len(sess.forwardPaths) >= sess.cfg.MaxRecipients {
		return dispatchOutcome{reply: NewReply(452, nil, "4.5.3 Too many recipients")}, nil
	}
	res, err := sess.handler.RCPT(ctx, cmd.ForwardPath, cmd.Params)
	if err != nil {
		return dispatchOutcome{}, asServerError(err)
	}
	if res.Reply.Code/100 == 2 {
		sess.forwardPaths = append(sess.forwardPaths, cmd.ForwardPath)
		sess.st = stRCPT
	}
	return dispatchOutcome{reply: res.Reply}, nil
}

func (sess *Session) dispatchDATA(ctx context.Context) (dispatchOutcome, *ServerError) {
	switch sess.st {
	case stBDAT, stBDATFAIL:
		return dispatchOutcome{reply: ReplyMixedBDAT()}, nil
	case stRCPT:
		// ok, fall through
	case stMAIL:
		return dispatchOutcome{reply: ReplyNoValidRecipients()}, nil
	default:
		return dispatchOutcome{reply: ReplyNoMailTransaction()}, nil
	}
	res, err := sess.handler.DataStart(ctx)
	if err != nil {
		return dispatchOutcome{}, asServerError(err)
	}
	if res.Reply.Code/100 != 3 {
		return dispatchOutcome{reply: res.Reply}, nil
	}
	return dispatchOutcome{reply: res.Reply, action: actionData}, nil
}

func (sess *Session) dispatchBDAT(ctx context.Context, cmd command.Command) (dispatchOutcome, *ServerError) {
	if !sess.cfg.Chunking {
		return dispatchOutcome{reply: ReplyNotImplemented()}, nil
	}
	switch sess.st {
	case stBDATFAIL:
		return dispatchOutcome{action: actionBdat, bdatSize: cmd.ChunkSize, bdatLast: cmd.ChunkLast, bdatDiscard: true}, nil
	case stRCPT, stBDAT:
		sess.st = stBDAT
		sess.chunkStarted = true
		return dispatchOutcome{action: actionBdat, bdatSize: cmd.ChunkSize, bdatLast: cmd.ChunkLast}, nil
	case stMAIL:
		return dispatchOutcome{reply: ReplyNoValidRecipients()}, nil
	default:
		return dispatchOutcome{reply: ReplyNoMailTransaction()}, nil
	}
}

func (sess *Session) dispatchSTARTTLS(ctx context.Context) (dispatchOutcome, *ServerError) {
	if !sess.cfg.StartTLS || sess.cfg.TLSConfig == nil {
		return dispatchOutcome{reply: ReplyNotImplemented()}, nil
	}
	if sess.tlsActive {
		return dispatchOutcome{reply: ReplyBadSequence()}, nil
	}
	if sess.st != stInitial {
		return dispatchOutcome{reply: ReplyBadSequence()}, nil
	}
	if !sess.handler.TLSRequest(ctx) {
		return dispatchOutcome{reply: NewReply(502, nil, "5.7.0 TLS not available due to local policy")}, nil
	}
	return dispatchOutcome{reply: NewReply(220, nil, "2.0.0 Ready to start TLS"), action: actionStartTLS}, nil
}

// asServerError asserts that a Handler-returned error is the only
// shape a Handler is allowed to produce. A Handler that returns
// anything else has a bug; failing loudly here surfaces it during
// development instead of silently degrading the wire-visible reply.
func asServerError(err error) *ServerError {
	se, ok := err.(*ServerError)
	if !ok {
		panic("engine: Handler returned an error that is not *engine.ServerError")
	}
	return se
}
