package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Op identifies the frame kind.
type Op uint32

const (
	// OpRequest carries a JSON [Request] from the CLI.
	OpRequest Op = 1
	// OpResponse carries a JSON [Response] from the daemon.
	OpResponse Op = 2

	// headerSize is the 4-byte little-endian op followed by the 4-byte
	// little-endian payload length.
	headerSize = 8

	// MaxPayloadSize bounds a single frame (1 MB).
	MaxPayloadSize = 1 << 20
)

// ErrPayloadTooLarge is returned for frames over [MaxPayloadSize].
var ErrPayloadTooLarge = errors.New("payload too large")

// ///////////////////////////////////////////////
// Framing
// ///////////////////////////////////////////////

// WriteFrame marshals v as JSON and writes it as one frame.
func WriteFrame(w io.Writer, op Op, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(op))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame and unmarshals its payload into v. It returns
// the frame op.
func ReadFrame(r io.Reader, v any) (Op, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, fmt.Errorf("reading frame header: %w", err)
	}
	op := Op(binary.LittleEndian.Uint32(header[0:4]))
	n := binary.LittleEndian.Uint32(header[4:8])
	if n > MaxPayloadSize {
		return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, n, MaxPayloadSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, fmt.Errorf("reading frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return op, fmt.Errorf("decoding frame: %w", err)
	}
	return op, nil
}
