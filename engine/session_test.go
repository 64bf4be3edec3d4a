package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abligh/goms/command"
)

// stubHandler is a minimal, fully scriptable Handler used across this
// file's tests, in the spirit of goms/inboundconnection_test.go's
// testLoggerAdapter-driven scripted sessions: every callback just
// records what it saw and returns a canned reply.
type stubHandler struct {
	ehloCalls int
	mailFrom  []command.Path
	rcptTo    []command.Path
	bodies    [][]byte
	bdatLasts []bool

	rcptReject bool
	dataErr    bool
}

func (h *stubHandler) EHLO(ctx context.Context, domain string, baseKeywords []string) (EHLOResult, error) {
	h.ehloCalls++
	return EHLOResult{Keywords: baseKeywords}, nil
}
func (h *stubHandler) HELO(ctx context.Context, domain string) (HandlerResult, error) {
	return HandlerResult{Reply: ReplyOK()}, nil
}
func (h *stubHandler) MAIL(ctx context.Context, from command.Path, params []command.Param) (HandlerResult, error) {
	h.mailFrom = append(h.mailFrom, from)
	return HandlerResult{Reply: ReplyOK()}, nil
}
func (h *stubHandler) RCPT(ctx context.Context, to command.Path, params []command.Param) (HandlerResult, error) {
	if h.rcptReject {
		return HandlerResult{Reply: ReplyMailboxUnavailable("5.1.1 No such user")}, nil
	}
	h.rcptTo = append(h.rcptTo, to)
	return HandlerResult{Reply: ReplyOK()}, nil
}
func (h *stubHandler) DataStart(ctx context.Context) (HandlerResult, error) {
	return HandlerResult{Reply: ReplyStartData()}, nil
}
func (h *stubHandler) Data(ctx context.Context, body BodyStream) (HandlerResult, error) {
	if h.dataErr {
		return HandlerResult{}, &ServerError{Reply: ReplyDataAbort()}
	}
	var buf []byte
	for !body.Done() {
		chunk, err := body.Next(ctx)
		if err != nil {
			return HandlerResult{}, &ServerError{Reply: ReplyDataAbort(), Err: err}
		}
		buf = append(buf, chunk...)
	}
	h.bodies = append(h.bodies, buf)
	return HandlerResult{Reply: ReplyOK()}, nil
}
func (h *stubHandler) Bdat(ctx context.Context, body BodyStream, last bool) (HandlerResult, error) {
	var buf []byte
	for !body.Done() {
		chunk, err := body.Next(ctx)
		if err != nil {
			return HandlerResult{}, &ServerError{Reply: ReplyDataAbort(), Err: err}
		}
		buf = append(buf, chunk...)
	}
	h.bodies = append(h.bodies, buf)
	h.bdatLasts = append(h.bdatLasts, last)
	return HandlerResult{Reply: ReplyOK()}, nil
}
func (h *stubHandler) Rset(ctx context.Context) {}
func (h *stubHandler) TLSRequest(ctx context.Context) bool {
	return true
}
func (h *stubHandler) TLSStarted(ctx context.Context, cs tls.ConnectionState) {}

// testConn runs a Session over a net.Pipe and returns a bufio.Reader
// for reading server replies plus the client-side net.Conn for
// writing commands.
func testConn(t *testing.T, handler Handler, cfg Config) (net.Conn, *bufio.Reader, func()) {
	t.Helper()
	server, client := net.Pipe()
	log := logrus.NewEntry(logrus.New())
	sess := NewSession(server, handler, cfg, log)

	done := make(chan struct{})
	go func() {
		sess.RunSession(context.Background(), nil)
		close(done)
	}()

	return client, bufio.NewReader(client), func() {
		client.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("session did not exit after client close")
		}
	}
}

func readReply(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading reply: %v", err)
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func TestBannerAndEHLO(t *testing.T) {
	h := &stubHandler{}
	cfg := DefaultConfig()
	cfg.Chunking = true
	client, r, closeFn := testConn(t, h, cfg)
	defer closeFn()

	banner := readReply(t, r)
	if !strings.HasPrefix(banner, "220 ") {
		t.Fatalf("expected 220 banner, got %q", banner)
	}

	client.Write([]byte("EHLO client.example\r\n"))
	reply := readReply(t, r)
	if !strings.Contains(reply, "250") || !strings.Contains(reply, "CHUNKING") {
		t.Fatalf("unexpected EHLO reply: %q", reply)
	}
	if h.ehloCalls != 1 {
		t.Fatalf("expected 1 EHLO callback, got %d", h.ehloCalls)
	}
}

func TestFullDataTransactionWithDotStuffing(t *testing.T) {
	h := &stubHandler{}
	client, r, closeFn := testConn(t, h, DefaultConfig())
	defer closeFn()

	readReply(t, r) // banner
	client.Write([]byte("EHLO client.example\r\n"))
	readReply(t, r)
	client.Write([]byte("MAIL FROM:<alice@example.org>\r\n"))
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250") {
		t.Fatalf("MAIL FROM rejected: %q", reply)
	}
	client.Write([]byte("RCPT TO:<bob@example.net>\r\n"))
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250") {
		t.Fatalf("RCPT TO rejected: %q", reply)
	}
	client.Write([]byte("DATA\r\n"))
	if reply := readReply(t, r); !strings.HasPrefix(reply, "354") {
		t.Fatalf("DATA not accepted: %q", reply)
	}
	client.Write([]byte("Subject: hi\r\n\r\n..leading dot line\r\n.\r\n"))
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250") {
		t.Fatalf("end of DATA rejected: %q", reply)
	}

	if len(h.bodies) != 1 {
		t.Fatalf("expected 1 delivered body, got %d", len(h.bodies))
	}
	got := string(h.bodies[0])
	if !strings.Contains(got, ".leading dot line") {
		t.Fatalf("dot-unstuffing failed, got %q", got)
	}
	if strings.Contains(got, "\n.\r\n") {
		t.Fatalf("terminating dot leaked into body: %q", got)
	}
}

func TestRCPTWithoutMailIsBadSequence(t *testing.T) {
	h := &stubHandler{}
	client, r, closeFn := testConn(t, h, DefaultConfig())
	defer closeFn()

	readReply(t, r)
	client.Write([]byte("RCPT TO:<bob@example.net>\r\n"))
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "503") {
		t.Fatalf("expected 503, got %q", reply)
	}
}

func TestDataWithoutRecipientsRejected(t *testing.T) {
	h := &stubHandler{}
	client, r, closeFn := testConn(t, h, DefaultConfig())
	defer closeFn()

	readReply(t, r)
	client.Write([]byte("MAIL FROM:<alice@example.org>\r\n"))
	readReply(t, r)
	client.Write([]byte("DATA\r\n"))
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "554") {
		t.Fatalf("expected 554, got %q", reply)
	}
}

func TestBdatChunkingHappyPath(t *testing.T) {
	h := &stubHandler{}
	cfg := DefaultConfig()
	client, r, closeFn := testConn(t, h, cfg)
	defer closeFn()

	readReply(t, r)
	client.Write([]byte("MAIL FROM:<alice@example.org>\r\n"))
	readReply(t, r)
	client.Write([]byte("RCPT TO:<bob@example.net>\r\n"))
	readReply(t, r)

	client.Write([]byte("BDAT 5\r\nhello"))
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250") {
		t.Fatalf("first BDAT chunk rejected: %q", reply)
	}
	client.Write([]byte("BDAT 6 LAST\r\n world"))
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250") {
		t.Fatalf("final BDAT chunk rejected: %q", reply)
	}

	if len(h.bodies) != 2 {
		t.Fatalf("expected 2 BDAT deliveries, got %d", len(h.bodies))
	}
	if string(h.bodies[0]) != "hello" || string(h.bodies[1]) != " world" {
		t.Fatalf("unexpected chunk contents: %q %q", h.bodies[0], h.bodies[1])
	}
	if !h.bdatLasts[1] || h.bdatLasts[0] {
		t.Fatalf("unexpected LAST flags: %v", h.bdatLasts)
	}
}

func TestMixingDataAfterBdatRejected(t *testing.T) {
	h := &stubHandler{}
	client, r, closeFn := testConn(t, h, DefaultConfig())
	defer closeFn()

	readReply(t, r)
	client.Write([]byte("MAIL FROM:<alice@example.org>\r\n"))
	readReply(t, r)
	client.Write([]byte("RCPT TO:<bob@example.net>\r\n"))
	readReply(t, r)
	client.Write([]byte("BDAT 5\r\nhello"))
	readReply(t, r)

	client.Write([]byte("DATA\r\n"))
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "503") {
		t.Fatalf("expected 503 mixing rejection, got %q", reply)
	}
}

func TestRsetClearsTransaction(t *testing.T) {
	h := &stubHandler{}
	client, r, closeFn := testConn(t, h, DefaultConfig())
	defer closeFn()

	readReply(t, r)
	client.Write([]byte("MAIL FROM:<alice@example.org>\r\n"))
	readReply(t, r)
	client.Write([]byte("RSET\r\n"))
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250") {
		t.Fatalf("RSET rejected: %q", reply)
	}
	client.Write([]byte("RCPT TO:<bob@example.net>\r\n"))
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "503") {
		t.Fatalf("expected 503 after RSET, got %q", reply)
	}
}

func TestSyntaxErrorOnUnknownVerb(t *testing.T) {
	h := &stubHandler{}
	client, r, closeFn := testConn(t, h, DefaultConfig())
	defer closeFn()

	readReply(t, r)
	client.Write([]byte("FROB\r\n"))
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "502") {
		t.Fatalf("expected 502 for unrecognized verb, got %q", reply)
	}
}

func TestQuitClosesSession(t *testing.T) {
	h := &stubHandler{}
	server, client := net.Pipe()
	log := logrus.NewEntry(logrus.New())
	sess := NewSession(server, h, DefaultConfig(), log)

	done := make(chan error, 1)
	go func() {
		done <- sess.RunSession(context.Background(), nil)
	}()

	r := bufio.NewReader(client)
	readReply(t, r) // banner
	client.Write([]byte("QUIT\r\n"))
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "221") {
		t.Fatalf("expected 221, got %q", reply)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunSession returned error after QUIT: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunSession did not return after QUIT")
	}
}
