// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisorclient

import (
	"encoding/binary"
)

// Frame layout: a 4-byte little-endian length prefix (covering everything
// that follows) wrapping a 1-byte frame kind and kind-specific fields. The
// request_id used to correlate requests to responses is a 36-byte UUID
// string, written verbatim. This is a private wire format internal to the
// broker's supervisor session — the supervisor's actual RPC encoding is
// external to this repository and is not specified by spec.md beyond its
// method surface, so this package picks a format consistent with
// internal/protocol's "small fixed fields, explicit lengths" style rather
// than inventing something unrelated.

type requestKind byte

const (
	requestKindLoad requestKind = iota
	requestKindClose
	requestKindDependency
	requestKindWake
)

const frameKindEvent = 0xFF

const uuidLen = 36

func encodeLoadRequest(id, name string, allowMissing bool) []byte {
	body := make([]byte, 0, 1+uuidLen+1+2+len(name))
	body = append(body, byte(requestKindLoad))
	body = append(body, id...)
	body = append(body, boolByte(allowMissing))
	body = appendUint16String(body, name)
	return wrap(body)
}

func encodeCloseRequest(h Handle) []byte {
	body := make([]byte, 1+8)
	body[0] = byte(requestKindClose)
	binary.LittleEndian.PutUint64(body[1:], uint64(h))
	return wrap(body)
}

func encodeDependencyRequest(id string, subject, target Handle, kind DependencyKind, remove, ignoreMissing bool) []byte {
	body := make([]byte, 0, 1+uuidLen+8+8+1+1+1)
	body = append(body, byte(requestKindDependency))
	body = append(body, id...)
	body = appendUint64(body, uint64(subject))
	body = appendUint64(body, uint64(target))
	body = append(body, byte(kind))
	body = append(body, boolByte(remove))
	body = append(body, boolByte(ignoreMissing))
	return wrap(body)
}

func encodeWakeRequest(id string, h Handle) []byte {
	body := make([]byte, 0, 1+uuidLen+8)
	body = append(body, byte(requestKindWake))
	body = append(body, id...)
	body = appendUint64(body, uint64(h))
	return wrap(body)
}

type decodedResult struct {
	handle  Handle
	missing bool
	// started mirrors dinitctl_load_service_finish's synchronous service
	// state out-parameter: true when the loaded service was already in
	// the started state at load-resolution time, per spec.md line 155's
	// "already started" check. Only meaningful for load responses.
	started bool
	err     error
}

// decodeResponseFrame parses a response frame (any kind byte other than
// frameKindEvent) into the correlating request_id and its result. The
// wire shape mirrors the request encodings above: id, then a success flag
// (1 = ok; any other value means the rest of the frame is an error
// message), then kind-specific payload.
func decodeResponseFrame(frame []byte) (string, decodedResult) {
	if len(frame) < 1+uuidLen+1 {
		return "", decodedResult{}
	}
	id := string(frame[1 : 1+uuidLen])
	offset := 1 + uuidLen
	ok := frame[offset] == 1
	offset++
	if !ok {
		msg := string(frame[offset:])
		return id, decodedResult{err: errFromWire(msg)}
	}
	if len(frame) < offset+9 {
		return id, decodedResult{}
	}
	missing := frame[offset] == 1
	handle := binary.LittleEndian.Uint64(frame[offset+1:])
	started := len(frame) > offset+9 && frame[offset+9] == 1
	return id, decodedResult{handle: Handle(handle), missing: missing, started: started}
}

func decodeEventFrame(frame []byte) (Handle, bool) {
	if len(frame) < 1+8+1 {
		return 0, false
	}
	handle := binary.LittleEndian.Uint64(frame[1:9])
	started := frame[9] == 1
	return Handle(handle), started
}

func wrap(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint16String(b []byte, s string) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(s)))
	b = append(b, tmp[:]...)
	return append(b, s...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func errFromWire(msg string) error {
	return wireError(msg)
}

// wireError is a plain string error for a failure reported by the
// supervisor over the wire; there is nothing structured to preserve
// beyond the message itself.
type wireError string

func (e wireError) Error() string { return string(e) }
