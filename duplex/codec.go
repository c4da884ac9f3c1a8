package duplex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Default maximum line length (4 MB). A JSON frame larger than this is
// rejected rather than buffered without bound.
const DefaultMaxLine = 4 * 1024 * 1024

// FrameCodec turns an append-only incoming byte stream into complete
// newline-delimited JSON frames, and serializes outgoing frames as
// <json>\n. A trailing partial line is retained across Feed calls; a
// malformed line yields a per-line error and the codec resynchronizes at
// the next newline. Blank lines are skipped.
//
// FrameCodec is not safe for concurrent use; the session serializes access.
type FrameCodec struct {
	buf     bytes.Buffer
	maxLine int

	// discarding is set while skipping the remainder of an oversized line
	discarding bool
}

// CodecOption configures a FrameCodec
type CodecOption func(*FrameCodec)

// WithMaxLine sets the maximum accepted line length
func WithMaxLine(n int) CodecOption {
	return func(c *FrameCodec) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// NewFrameCodec creates a codec with the default line limit
func NewFrameCodec(opts ...CodecOption) *FrameCodec {
	c := &FrameCodec{maxLine: DefaultMaxLine}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Feed appends a chunk to the stream and returns every frame completed by
// it, plus one error per undecodable line. Errors are local to their line;
// later frames in the same chunk still decode.
func (c *FrameCodec) Feed(chunk []byte) ([]*Message, []error) {
	c.buf.Write(chunk)

	var frames []*Message
	var errs []error

	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if c.buf.Len() > c.maxLine {
				if !c.discarding {
					c.discarding = true
					errs = append(errs, &FrameError{Line: data, Err: ErrFrameTooLarge})
				}
				c.buf.Reset()
			}
			return frames, errs
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		c.buf.Next(idx + 1)

		if c.discarding {
			// Tail of an oversized line; drop it and resynchronize.
			c.discarding = false
			continue
		}

		trimmed := bytes.TrimFunc(line, unicode.IsSpace)
		if len(trimmed) == 0 {
			continue
		}

		msg, err := decodeFrame(trimmed)
		if err != nil {
			errs = append(errs, &FrameError{Line: trimmed, Err: err})
			continue
		}
		frames = append(frames, msg)
	}
}

// Pending reports how many bytes of an incomplete trailing frame are buffered
func (c *FrameCodec) Pending() int {
	return c.buf.Len()
}

// Encode serializes a frame as <json>\n
func (c *FrameCodec) Encode(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(encoded)+1 > c.maxLine {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(encoded))
	}
	return append(encoded, '\n'), nil
}

func decodeFrame(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, jsonErrSummary(err))
	}
	if msg.Method == "" && (msg.ID == nil || !msg.ID.IsValid()) {
		return nil, fmt.Errorf("%w: frame has neither method nor id", ErrMalformedFrame)
	}
	if msg.Result != nil && msg.Error != nil {
		return nil, fmt.Errorf("%w: response carries both result and error", ErrMalformedFrame)
	}
	return &msg, nil
}

// jsonErrSummary strips the offset noise encoding/json puts in error text
func jsonErrSummary(err error) string {
	s := err.Error()
	if i := strings.Index(s, " looking for"); i > 0 {
		return s[:i]
	}
	return s
}
