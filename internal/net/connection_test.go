package net

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/skshohagmiah/livedoc/internal/protocol"
)

func TestEnvelopeOverPipe(t *testing.T) {
	a, b := net.Pipe()
	left := NewConnection(a, nil)
	right := NewConnection(b, nil)
	defer left.Close()
	defer right.Close()

	req, err := protocol.NewRequest(1, protocol.OpPing, "", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- left.WriteEnvelope(req)
	}()

	got, err := right.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	if got.Operation != protocol.OpPing || got.RequestID != 1 {
		t.Errorf("Unexpected envelope: %+v", got)
	}
}

func TestReadAfterPeerClose(t *testing.T) {
	a, b := net.Pipe()
	left := NewConnection(a, nil)
	right := NewConnection(b, nil)

	left.Close()
	if _, err := right.ReadEnvelope(); err == nil {
		t.Fatal("Expected an error after the peer closed")
	}
	if err := left.WriteFrame([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if left.IsConnected() {
		t.Error("Closed connection reports connected")
	}
}

func TestReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	conn := NewConnection(b, &ConnectionOptions{ReadTimeout: 20 * time.Millisecond})
	defer conn.Close()

	_, err := conn.ReadEnvelope()
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Expected a timeout, got %v", err)
	}
}
