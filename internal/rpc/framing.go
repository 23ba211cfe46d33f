package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeLine serializes v as a single JSON document followed by a newline.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// LineDecoder splits a byte stream into newline-terminated lines.
// A partial trailing line is kept until a later chunk completes it.
//
// LineDecoder is not safe for concurrent use; feed it from the single
// goroutine reading the stream.
type LineDecoder struct {
	buf []byte
}

// Feed appends chunk and returns every complete, non-blank line.
func (d *LineDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:i])
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Buffered returns the number of bytes waiting for a newline.
func (d *LineDecoder) Buffered() int {
	return len(d.buf)
}

// DecodeMessage parses one line into a Message.
func DecodeMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
