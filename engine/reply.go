package engine

import (
	"fmt"
	"strings"
)

// EnhancedCode is the "class.subject.detail" enhanced status code of
// RFC 3463, carried alongside the base three-digit reply code.
type EnhancedCode struct {
	Class  uint8
	Subject uint16
	Detail  uint16
}

func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// Reply is a structured SMTP reply: a three-digit code, an optional
// enhanced status code, and text with no embedded carriage returns.
// Multi-line text (split on '\n') renders as a multi-line SMTP reply
// per RFC 5321 §4.2.1: every physical line but the last uses the
// "code-" continuation separator, the last line uses "code ".
type Reply struct {
	Code  int
	ECode *EnhancedCode
	Text  string
}

// NewReplyChecked builds a Reply, returning ok=false if code is out of
// the 200..599 range or text contains a carriage return.
func NewReplyChecked(code int, ecode *EnhancedCode, text string) (Reply, bool) {
	if code < 200 || code > 599 || strings.ContainsRune(text, '\r') {
		return Reply{}, false
	}
	return Reply{Code: code, ECode: ecode, Text: text}, true
}

// NewReply builds a Reply and panics if code or text is invalid. Used
// for the fixed, compile-time-known replies the engine itself emits;
// never call this with handler- or network-supplied text.
func NewReply(code int, ecode *EnhancedCode, text string) Reply {
	r, ok := NewReplyChecked(code, ecode, text)
	if !ok {
		panic(fmt.Sprintf("engine: invalid reply code %d or CR in text %q", code, text))
	}
	return r
}

// String renders the reply as one or more CRLF-terminated physical
// lines. An empty Text renders nothing (matches the Rust original's
// Display impl: an empty lines iterator produces no output at all).
func (r Reply) String() string {
	if r.Text == "" {
		return ""
	}
	lines := strings.Split(r.Text, "\n")
	var b strings.Builder
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s", r.Code, sep)
		if r.ECode != nil {
			fmt.Fprintf(&b, "%s ", r.ECode)
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

// Convenience constructors for the session driver's canned replies.

func ReplyReady(hostname, software string) Reply {
	return NewReply(220, nil, fmt.Sprintf("%s ESMTP %s", hostname, software))
}

func ReplyClosing() Reply {
	return NewReply(221, nil, "2.0.0 Bye")
}

func ReplyOK() Reply {
	return NewReply(250, nil, "2.0.0 OK")
}

func ReplyStartData() Reply {
	return NewReply(354, nil, "Start mail input; end with <CRLF>.<CRLF>")
}

func ReplyShuttingDown() Reply {
	return NewReply(421, nil, "4.3.2 Shutting down")
}

func ReplySyntaxError() Reply {
	return NewReply(500, nil, "5.5.2 Syntax error")
}

func ReplyNotImplemented() Reply {
	return NewReply(502, nil, "5.5.1 Command not implemented")
}

func ReplyBadSequence() Reply {
	return NewReply(503, nil, "5.5.1 Bad sequence of commands")
}

func ReplyNoMailTransaction() Reply {
	return NewReply(503, nil, "5.5.1 No mail transaction in progress")
}

func ReplyMixedBDAT() Reply {
	return NewReply(503, nil, "5.5.1 BDAT may not be mixed with DATA")
}

func ReplyNoValidRecipients() Reply {
	return NewReply(554, nil, "5.5.1 No valid recipients")
}

func ReplyMailboxUnavailable(text string) Reply {
	return NewReply(550, nil, text)
}

func ReplyTransactionFailed(text string) Reply {
	return NewReply(554, nil, text)
}

func ReplyDataAbort() Reply {
	return NewReply(550, nil, "5.5.0 Message transmission aborted")
}
