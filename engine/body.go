package engine

import (
	"bytes"
	"context"
	"errors"
)

// ErrBodyTooLarge is returned by a BodyStream when a configured
// maximum message size is exceeded mid-stream.
var ErrBodyTooLarge = errors.New("engine: message body exceeds maximum size")

// A stream's maxSize field uses -1 to mean unbounded; any value >= 0
// is a hard cap, including 0 (no further bytes admitted at all). This
// lets session.go pass an exhausted-but-still-bounded budget without
// it being mistaken for "no limit".

// BodyStream is the common reading surface the dispatcher presents to
// a Handler for both DATA and BDAT transfers, so handler code (see
// engine/sample) never needs to know which framing produced the
// bytes: a pull interface, the same shape a chunked reader or a
// dot-unstuffing reader would present.
type BodyStream interface {
	// Next returns the next chunk of body octets. End of body is
	// signalled by a call that returns (nil, nil) and makes Done()
	// true; io.EOF is not used for it. It never returns the
	// terminating ".CRLF" (DATA) or the end-of-chunk marker (BDAT) as
	// data.
	Next(ctx context.Context) ([]byte, error)
	// Done reports whether the stream is fully drained: true only
	// after Next has returned the final chunk.
	Done() bool
}

// dataStream implements BodyStream for classic DATA transfers: it
// reads CRLF-terminated lines from the codec, undoes leading-dot
// stuffing, and recognises the bare "." line as end-of-data. Grounded
// directly on goms/inboundconnection.go's doDATA loop.
type dataStream struct {
	codec     *Codec
	done      bool
	maxSize   int64
	totalRead int64
}

func newDataStream(codec *Codec, maxSize int64) *dataStream {
	return &dataStream{codec: codec, maxSize: maxSize}
}

func (s *dataStream) Done() bool { return s.done }

func (s *dataStream) Next(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, nil
	}
	frame, err := s.codec.ReadFrame()
	if err != nil {
		return nil, err
	}
	if bytes.Equal(frame, []byte(".\r\n")) || bytes.Equal(frame, []byte(".\n")) {
		s.done = true
		return nil, nil
	}
	line := unstuffDot(frame)
	s.totalRead += int64(len(line))
	if s.maxSize >= 0 && s.totalRead > s.maxSize {
		s.done = true
		return nil, ErrBodyTooLarge
	}
	return line, nil
}

// unstuffDot removes one leading '.' from any line that starts with
// one, per RFC 5321 §4.5.2. The bare "." end-of-data line has already
// been intercepted by the caller before this is reached, so any line
// seen here that starts with '.' is stuffed data, not the terminator.
func unstuffDot(line []byte) []byte {
	if len(line) >= 1 && line[0] == '.' {
		return line[1:]
	}
	return line
}

// bdatStream implements BodyStream for BDAT chunk transfers. Each
// call to Next pulls exactly one frame from the codec's chunking mode
// until the codec signals errChunkingDone, at which point the codec
// has already reverted to command mode.
type bdatStream struct {
	codec     *Codec
	done      bool
	last      bool
	maxSize   int64
	totalRead int64
}

func newBdatStream(codec *Codec, size uint64, last bool, maxSize int64) *bdatStream {
	codec.SetChunking(size)
	return &bdatStream{codec: codec, last: last, maxSize: maxSize}
}

func (s *bdatStream) Done() bool { return s.done }

// Last reports whether this chunk was declared BDAT ... LAST.
func (s *bdatStream) Last() bool { return s.last }

func (s *bdatStream) Next(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, nil
	}
	frame, err := s.codec.ReadFrame()
	if err != nil {
		if isChunkingDone(err) {
			s.done = true
			return nil, nil
		}
		return nil, err
	}
	s.totalRead += int64(len(frame))
	if s.maxSize >= 0 && s.totalRead > s.maxSize {
		s.done = true
		return nil, ErrBodyTooLarge
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}
