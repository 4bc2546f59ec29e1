package sse

import (
	"context"
	"io"
	"strings"
)

// Frame is one parsed server-sent event.
type Frame struct {
	Event string
	Data  string
}

// DoneEvent is the logical end-of-stream sentinel. Observing it terminates
// parsing even if the transport stream stays open.
const DoneEvent = "done"

// Parser incrementally decodes an SSE byte stream that may be split at
// arbitrary chunk boundaries. One parser serves exactly one stream and is not
// restartable. An unterminated tail left in the buffer when the stream ends is
// discarded.
type Parser struct {
	buf  strings.Builder
	done bool
}

// NewParser returns a parser with an empty buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Done reports whether the logical done sentinel has been observed.
func (p *Parser) Done() bool {
	return p.done
}

// Feed appends a chunk and returns every frame completed by it, in stream
// order. Frames arriving after the done sentinel are dropped.
func (p *Parser) Feed(chunk []byte) []Frame {
	if p.done || len(chunk) == 0 {
		return nil
	}
	p.buf.Write(chunk)
	data := strings.ReplaceAll(p.buf.String(), "\r\n", "\n")

	segments := strings.Split(data, "\n\n")
	// The final segment has not seen its blank-line terminator yet.
	tail := segments[len(segments)-1]
	segments = segments[:len(segments)-1]

	p.buf.Reset()
	p.buf.WriteString(tail)

	var frames []Frame
	for _, segment := range segments {
		frame, ok := parseSegment(segment)
		if !ok {
			continue
		}
		frames = append(frames, frame)
		if frame.Event == DoneEvent {
			p.done = true
			p.buf.Reset()
			break
		}
	}
	return frames
}

func parseSegment(segment string) (Frame, bool) {
	var frame Frame
	var dataLines []string
	seen := false
	for _, line := range strings.Split(segment, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			dataLines = append(dataLines, value)
			seen = true
		default:
			// Lines without a recognized field prefix are ignored.
		}
	}
	if !seen {
		return Frame{}, false
	}
	// Multi-line data concatenates with an inserted newline, per the SSE
	// multi-line data convention.
	frame.Data = strings.Join(dataLines, "\n")
	return frame, true
}

// Stream reads r to completion, invoking fn for every parsed frame in order.
// It returns nil on end of stream or logical done, fn's error if fn fails, and
// the transport error otherwise. Reading stops as soon as ctx is cancelled.
func Stream(ctx context.Context, r io.Reader, fn func(Frame) error) error {
	p := NewParser()
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, frame := range p.Feed(buf[:n]) {
				if err := fn(frame); err != nil {
					return err
				}
			}
			if p.Done() {
				return nil
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
