package engine

// state is the session's position in the mail-transaction state
// machine: an explicit enum with a checked transition table, rather
// than a handful of loosely related booleans.
type state int

const (
	// stInitial: no transaction in progress. EHLO/HELO/MAIL/RSET/QUIT/
	// NOOP/VRFY/HELP/STARTTLS are legal; RCPT/DATA/BDAT are not.
	stInitial state = iota
	// stMAIL: MAIL FROM accepted, no recipients yet. RCPT/RSET/QUIT/
	// NOOP/VRFY/HELP are legal; a second MAIL, DATA, and BDAT are not.
	stMAIL
	// stRCPT: at least one recipient accepted. Further RCPT, DATA
	// (classic body), BDAT (chunking body), RSET, QUIT, NOOP, VRFY,
	// HELP are legal.
	stRCPT
	// stBDAT: a chunking transfer is in progress (at least one non-LAST
	// BDAT consumed). Further BDAT, RSET, QUIT, NOOP, VRFY, HELP and
	// EHLO/HELO are legal; DATA is a 503 (mixing BDAT and DATA), as is
	// a bare MAIL/RCPT.
	stBDAT
	// stBDATFAIL: the handler refused a BDAT chunk with a non-2xx reply
	// but the client may still have more declared BDAT bytes in flight. The engine keeps consuming and discarding BDAT
	// frames, replying failure each time, until LAST is seen, at which
	// point the transaction is abandoned and the state returns to
	// stInitial. RSET and QUIT remain legal escapes.
	stBDATFAIL
)

func (s state) String() string {
	switch s {
	case stInitial:
		return "initial"
	case stMAIL:
		return "mail"
	case stRCPT:
		return "rcpt"
	case stBDAT:
		return "bdat"
	case stBDATFAIL:
		return "bdat-fail"
	default:
		return "unknown"
	}
}

// resetTransaction is the common target of RSET and of a successful
// DATA/BDAT-LAST completion: envelope state clears, but the EHLO/HELO
// greeting and any negotiated TLS session survive.
func (sess *Session) resetTransaction() {
	sess.st = stInitial
	sess.reversePath = nil
	sess.forwardPaths = nil
	sess.chunkStarted = false
	sess.bodyBytes = 0
}
