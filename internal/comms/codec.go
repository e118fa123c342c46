package comms

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed length of one encoded line (16 MiB).
const MaxMessageSize = 16 << 20

// ErrProtocol is returned when a line cannot be decoded into a known message.
// It is fatal to the worker.
var ErrProtocol = errors.New("protocol error")

// Encode serializes msg to a single JSON line with a "type" discriminator.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.messageType(), err)
	}
	typ, err := json.Marshal(msg.messageType())
	if err != nil {
		return nil, fmt.Errorf("marshal type: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Decode parses one line into its message variant.
func Decode(line []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("%w: decode %q: %v", ErrProtocol, truncate(line), err)
	}

	newMsg, ok := variants[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, head.Type)
	}

	msg := newMsg()
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocol, head.Type, err)
	}
	return msg, nil
}

// WriteMessage writes msg to w as one newline-terminated JSON line.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", msg.messageType(), err)
	}
	return nil
}

// ReadMessage reads one newline-terminated line from r and decodes it.
// It returns io.EOF only when the stream ended before any byte of a new line.
func ReadMessage(r *bufio.Reader) (Message, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return nil, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read line: %w", err)
		}
	}

	if len(line) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds maximum %d", ErrProtocol, len(line), MaxMessageSize)
	}

	return Decode(bytes.TrimSpace(line))
}

func truncate(b []byte) string {
	const limit = 120
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
