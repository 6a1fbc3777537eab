package devicemux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/trackbox/internal/wire"
)

func TestWriteFrame(t *testing.T) {
	port := NewMockPort()
	mux := NewMux(port)

	f := wire.Frame{Class: wire.ClassDevice, ID: wire.MsgIDUnlock, Payload: []byte{1, 2, 3, 4}}
	if err := mux.WriteFrame(f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got, want := port.WrittenData(), wire.Encode(f); !bytes.Equal(got, want) {
		t.Errorf("wrote % X, want % X", got, want)
	}
}

func TestWriteFrameError(t *testing.T) {
	port := NewMockPort()
	port.WriteError = errors.New("boom")
	mux := NewMux(port)

	if err := mux.WriteFrame(wire.Frame{Class: wire.ClassDevice, ID: wire.MsgIDErase}); err == nil {
		t.Fatal("expected write error")
	}
}

func TestMonitorDeliversChunks(t *testing.T) {
	port := NewMockPort()
	mux := NewMux(port)

	var mu sync.Mutex
	var received []byte
	sink := func(chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, chunk...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx, sink) }()

	port.AddReadData([]byte{0xB5, 0x62, 0xFF})
	port.AddReadData([]byte{0x01, 0x00, 0x00})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 6 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("received %d bytes, want 6", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	got := append([]byte(nil), received...)
	mu.Unlock()
	if want := []byte{0xB5, 0x62, 0xFF, 0x01, 0x00, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("received % X, want % X", got, want)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor returned %v, want context.Canceled", err)
	}
}

func TestMonitorStopsOnClose(t *testing.T) {
	port := NewMockPort()
	mux := NewMux(port)

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background(), func([]byte) {}) }()

	// give the read loop time to block on the empty port
	time.Sleep(10 * time.Millisecond)
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("Monitor returned %v after close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
}

func TestMonitorReadError(t *testing.T) {
	port := NewMockPort()
	port.BlockReads = false
	port.ReadError = errors.New("io failure")
	mux := NewMux(port)

	err := mux.Monitor(context.Background(), func([]byte) {})
	if err == nil || err.Error() != "io failure" {
		t.Errorf("Monitor returned %v, want io failure", err)
	}
}
