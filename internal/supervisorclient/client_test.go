// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisorclient

import (
	"bytes"
	"errors"
	"testing"
)

// loopback is an io.ReadWriter splitting writes and reads into two
// independent buffers, so a test can write a canned response frame on
// one side and have Session.Dispatch read it from the other, without a
// real socket pair.
type loopback struct {
	toSession   bytes.Buffer
	fromSession bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.fromSession.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.toSession.Read(p) }

func encodeLoadResponse(id string, handle Handle, missing bool) []byte {
	body := make([]byte, 0, 1+uuidLen+1+1+8)
	body = append(body, 0) // kind byte, unused by decodeResponseFrame
	body = append(body, id...)
	body = append(body, 1) // ok=true
	body = append(body, boolByte(missing))
	body = appendUint64(body, uint64(handle))
	return wrap(body)
}

func encodeErrorResponse(id, msg string) []byte {
	body := make([]byte, 0, 1+uuidLen+1+len(msg))
	body = append(body, 0)
	body = append(body, id...)
	body = append(body, 0) // ok=false
	body = append(body, msg...)
	return wrap(body)
}

func TestSession_LoadService_SuccessRoundTrip(t *testing.T) {
	lb := &loopback{}
	s := NewSession(3, lb)

	var got LoadResult
	called := false
	s.LoadService("device@/sys/x", false, func(r LoadResult) {
		called = true
		got = r
	})

	// Extract the request_id the Session embedded in the frame it wrote.
	written := lb.fromSession.Bytes()
	if len(written) < 4+1+uuidLen {
		t.Fatalf("request frame too short: %d bytes", len(written))
	}
	id := string(written[4+1 : 4+1+uuidLen])

	lb.toSession.Write(encodeLoadResponse(id, Handle(42), false))

	n, err := s.Dispatch(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 frame processed, got %d", n)
	}
	if !called {
		t.Fatal("expected callback invoked")
	}
	if got.Handle != 42 || got.Missing || got.Err != nil {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSession_LoadService_ErrorResponse(t *testing.T) {
	lb := &loopback{}
	s := NewSession(3, lb)

	var got LoadResult
	s.LoadService("gone", true, func(r LoadResult) { got = r })

	written := lb.fromSession.Bytes()
	id := string(written[4+1 : 4+1+uuidLen])
	lb.toSession.Write(encodeErrorResponse(id, "not found"))

	if _, err := s.Dispatch(10); err != nil {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if got.Err == nil || got.Err.Error() != "not found" {
		t.Fatalf("expected wire error propagated, got %+v", got)
	}
}

func TestSession_Dispatch_NoFrameYet_ReturnsZero(t *testing.T) {
	lb := &loopback{}
	s := NewSession(3, lb)
	n, err := s.Dispatch(5)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil) with nothing queued, got (%d, %v)", n, err)
	}
}

func TestSession_Dispatch_RespectsBudget(t *testing.T) {
	lb := &loopback{}
	s := NewSession(3, lb)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		s.LoadService("svc", false, func(LoadResult) {})
	}
	written := lb.fromSession.Bytes()
	offset := 0
	for i := 0; i < 3; i++ {
		length := int(bytesToUint32(written[offset : offset+4]))
		frame := written[offset+4 : offset+4+length]
		ids = append(ids, string(frame[1:1+uuidLen]))
		offset += 4 + length
	}
	for _, id := range ids {
		lb.toSession.Write(encodeLoadResponse(id, 1, false))
	}

	n, err := s.Dispatch(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected budget to cap processed frames at 2, got %d", n)
	}
}

func bytesToUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestSession_Abort_FailsPendingCallbacks(t *testing.T) {
	lb := &loopback{}
	s := NewSession(3, lb)

	var got error
	s.LoadService("svc", false, func(r LoadResult) { got = r.Err })

	if err := s.Abort(errors.New("fatal")); err != nil {
		t.Fatalf("unexpected abort error: %v", err)
	}
	if got == nil {
		t.Fatal("expected pending callback to receive an error on abort")
	}

	var calledAfterAbort bool
	s.LoadService("svc2", false, func(r LoadResult) {
		calledAfterAbort = true
		if !errors.Is(r.Err, ErrAborted) {
			t.Fatalf("expected ErrAborted, got %v", r.Err)
		}
	})
	if !calledAfterAbort {
		t.Fatal("expected post-abort call to fail synchronously")
	}
}
