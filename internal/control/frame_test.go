package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Request{Command: CmdClear, Server: "123"}
	if err := WriteFrame(&buf, OpRequest, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	raw := buf.Bytes()
	if op := binary.LittleEndian.Uint32(raw[0:4]); op != uint32(OpRequest) {
		t.Errorf("header op = %d, want %d", op, OpRequest)
	}
	if n := binary.LittleEndian.Uint32(raw[4:8]); int(n) != len(raw)-headerSize {
		t.Errorf("header length = %d, payload is %d", n, len(raw)-headerSize)
	}

	var out Request
	op, err := ReadFrame(&buf, &out)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if op != OpRequest || out != in {
		t.Errorf("got (%d, %+v), want (%d, %+v)", op, out, OpRequest, in)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(OpRequest))
	binary.LittleEndian.PutUint32(header[4:8], MaxPayloadSize+1)

	var req Request
	_, err := ReadFrame(bytes.NewReader(header), &req)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	big := Response{Message: string(bytes.Repeat([]byte("x"), MaxPayloadSize))}
	if err := WriteFrame(io.Discard, OpResponse, big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, OpResponse, Response{OK: true, Message: "hello"})
	short := buf.Bytes()[:buf.Len()-3]

	var resp Response
	if _, err := ReadFrame(bytes.NewReader(short), &resp); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
	if _, err := ReadFrame(bytes.NewReader(short[:4]), &resp); err == nil {
		t.Error("expected error for a partial header")
	}
}

func TestReadFrameBadJSON(t *testing.T) {
	payload := []byte("{nope")
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(OpRequest))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	var req Request
	if _, err := ReadFrame(bytes.NewReader(frame), &req); err == nil {
		t.Error("expected decode error")
	}
}
