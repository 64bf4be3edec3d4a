// Package sample provides a minimal, complete Handler implementation
// that actually delivers mail, so the engine can be exercised
// end-to-end rather than only unit-tested against a stub. It persists
// messages with github.com/sloonz/go-maildir.
package sample

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/sloonz/go-maildir"

	"github.com/abligh/goms/command"
	"github.com/abligh/goms/engine"
)

// MaildirHandler delivers every accepted message into a qmail-style
// Maildir, one copy per accepted recipient. It keeps exactly the
// transaction-scoped state a real MTA handler needs: the envelope
// accumulated so far and the body bytes seen across however many
// Data/Bdat calls the transfer took.
type MaildirHandler struct {
	dir maildir.Maildir

	from command.Path
	to   []command.Path
	body []byte
}

// NewMaildirHandler creates (if necessary) and validates the maildir
// at dir, returning a ready-to-use Handler.
func NewMaildirHandler(dir string) (*MaildirHandler, error) {
	md := maildir.Maildir(dir)
	if err := md.Init(); err != nil {
		return nil, fmt.Errorf("sample: initializing maildir %s: %w", dir, err)
	}
	return &MaildirHandler{dir: md}, nil
}

func (h *MaildirHandler) EHLO(ctx context.Context, domain string, baseKeywords []string) (engine.EHLOResult, error) {
	return engine.EHLOResult{Keywords: baseKeywords}, nil
}

func (h *MaildirHandler) HELO(ctx context.Context, domain string) (engine.HandlerResult, error) {
	return engine.HandlerResult{Reply: engine.ReplyOK()}, nil
}

func (h *MaildirHandler) MAIL(ctx context.Context, from command.Path, params []command.Param) (engine.HandlerResult, error) {
	h.from = from
	h.to = nil
	h.body = h.body[:0]
	return engine.HandlerResult{Reply: engine.ReplyOK()}, nil
}

func (h *MaildirHandler) RCPT(ctx context.Context, to command.Path, params []command.Param) (engine.HandlerResult, error) {
	h.to = append(h.to, to)
	return engine.HandlerResult{Reply: engine.ReplyOK()}, nil
}

func (h *MaildirHandler) DataStart(ctx context.Context) (engine.HandlerResult, error) {
	return engine.HandlerResult{Reply: engine.ReplyStartData()}, nil
}

func (h *MaildirHandler) Data(ctx context.Context, body engine.BodyStream) (engine.HandlerResult, error) {
	for !body.Done() {
		chunk, err := body.Next(ctx)
		if err != nil {
			return engine.HandlerResult{}, &engine.ServerError{
				Reply: engine.ReplyDataAbort(),
				Err:   err,
			}
		}
		h.body = append(h.body, chunk...)
	}
	if err := h.deliver(); err != nil {
		return engine.HandlerResult{Reply: engine.ReplyTransactionFailed("5.3.0 Could not deliver message")}, nil
	}
	return engine.HandlerResult{Reply: engine.ReplyOK()}, nil
}

func (h *MaildirHandler) Bdat(ctx context.Context, body engine.BodyStream, last bool) (engine.HandlerResult, error) {
	for !body.Done() {
		chunk, err := body.Next(ctx)
		if err != nil {
			return engine.HandlerResult{}, &engine.ServerError{
				Reply: engine.ReplyDataAbort(),
				Err:   err,
			}
		}
		h.body = append(h.body, chunk...)
	}
	if !last {
		return engine.HandlerResult{Reply: engine.NewReply(250, nil, "2.0.0 chunk accepted")}, nil
	}
	if err := h.deliver(); err != nil {
		return engine.HandlerResult{Reply: engine.ReplyTransactionFailed("5.3.0 Could not deliver message")}, nil
	}
	return engine.HandlerResult{Reply: engine.ReplyOK()}, nil
}

func (h *MaildirHandler) Rset(ctx context.Context) {
	h.from = command.Path{}
	h.to = nil
	h.body = nil
}

func (h *MaildirHandler) TLSRequest(ctx context.Context) bool {
	return true
}

func (h *MaildirHandler) TLSStarted(ctx context.Context, cs tls.ConnectionState) {}

// deliver writes one copy of the accumulated body per accepted
// recipient. A delivery failure partway through is reported for the
// whole transaction; already-written copies are not rolled back,
// matching the at-least-once delivery semantics real MTAs accept
// rather than attempting cross-mailbox transactional delivery.
func (h *MaildirHandler) deliver() error {
	for _, rcpt := range h.to {
		d, err := h.dir.NewDelivery()
		if err != nil {
			return fmt.Errorf("sample: starting delivery to %s: %w", rcpt.Mailbox, err)
		}
		if _, err := d.Write(h.body); err != nil {
			d.Abort()
			return fmt.Errorf("sample: writing message for %s: %w", rcpt.Mailbox, err)
		}
		if err := d.Close(); err != nil {
			return fmt.Errorf("sample: closing delivery for %s: %w", rcpt.Mailbox, err)
		}
	}
	return nil
}
