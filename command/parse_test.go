package command

import "testing"

func TestParseEHLO(t *testing.T) {
	rest, cmd, err := Parse([]byte("EHLO client.example.org"), Legacy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing data, got %q", rest)
	}
	if cmd.Kind != EHLO || cmd.Domain != "client.example.org" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseMailFromWithParams(t *testing.T) {
	_, cmd, err := Parse([]byte("MAIL FROM:<alice@example.org> SIZE=1024 BODY=8BITMIME"), Legacy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != MAIL || cmd.ReversePath.Mailbox != "alice@example.org" || cmd.ReversePath.Null {
		t.Fatalf("unexpected reverse-path: %+v", cmd.ReversePath)
	}
	if len(cmd.Params) != 2 || cmd.Params[0].Name != "SIZE" || cmd.Params[0].Value != "1024" {
		t.Fatalf("unexpected params: %+v", cmd.Params)
	}
}

func TestParseMailFromNullSender(t *testing.T) {
	_, cmd, err := Parse([]byte("MAIL FROM:<>"), Legacy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cmd.ReversePath.Null {
		t.Fatalf("expected null reverse-path, got %+v", cmd.ReversePath)
	}
}

func TestParseRcptRejectsNullForwardPath(t *testing.T) {
	_, _, err := Parse([]byte("RCPT TO:<>"), Legacy)
	if err != ErrBadSyntax {
		t.Fatalf("expected ErrBadSyntax, got %v", err)
	}
}

func TestParseBdat(t *testing.T) {
	_, cmd, err := Parse([]byte("BDAT 1024 LAST"), Legacy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != BDAT || cmd.ChunkSize != 1024 || !cmd.ChunkLast {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseUnrecognized(t *testing.T) {
	_, _, err := Parse([]byte("FROBNICATE foo"), Legacy)
	if err != ErrUnrecognized {
		t.Fatalf("expected ErrUnrecognized, got %v", err)
	}
}

func TestParseLegacyRejectsNon7Bit(t *testing.T) {
	_, _, err := Parse([]byte("MAIL FROM:<ünïcode@example.org>"), Legacy)
	if err != ErrNon7Bit {
		t.Fatalf("expected ErrNon7Bit, got %v", err)
	}
}

func TestParseIntlAllowsNon7Bit(t *testing.T) {
	_, cmd, err := Parse([]byte("MAIL FROM:<ünïcode@example.org>"), Intl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.ReversePath.Mailbox != "ünïcode@example.org" {
		t.Fatalf("unexpected mailbox: %q", cmd.ReversePath.Mailbox)
	}
}

func TestRemoveCRLF(t *testing.T) {
	cases := map[string]string{
		"EHLO foo\r\n": "EHLO foo",
		"EHLO foo\n":   "EHLO foo",
		"EHLO foo":     "EHLO foo",
	}
	for in, want := range cases {
		if got := string(RemoveCRLF([]byte(in))); got != want {
			t.Fatalf("RemoveCRLF(%q) = %q, want %q", in, got, want)
		}
	}
}
