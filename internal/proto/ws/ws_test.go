package ws_test

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/proto/ws"
)

func TestAcceptKey(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}

	accept, err := ws.Accept(req)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if accept != want {
		t.Errorf("Accept() = %q, want %q", accept, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := ws.WriteFrame(&buf, ws.OpText, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	f, err := ws.ReadFrame(&buf, false)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Opcode != ws.OpText || string(f.Payload) != "hello" || !f.Fin {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestReadFrameRejectsUnmaskedClientFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = ws.WriteFrame(&buf, ws.OpText, []byte("x")) // unmasked, server-style

	_, err := ws.ReadFrame(&buf, true)
	if err != ws.ErrMaskViolation {
		t.Errorf("expected ErrMaskViolation, got %v", err)
	}
}

func TestReassembler(t *testing.T) {
	var r ws.Reassembler

	_, _, done, err := r.Add(ws.Frame{Fin: false, Opcode: ws.OpText, Payload: []byte("hel")})
	if err != nil || done {
		t.Fatalf("unexpected first add: done=%v err=%v", done, err)
	}

	msg, opcode, done, err := r.Add(ws.Frame{Fin: true, Opcode: ws.OpContinuation, Payload: []byte("lo")})
	if err != nil || !done {
		t.Fatalf("unexpected second add: done=%v err=%v", done, err)
	}
	if string(msg) != "hello" || opcode != ws.OpText {
		t.Errorf("reassembled = %q/%v, want hello/OpText", msg, opcode)
	}
}
