// Package advert splits a raw BLE advertisement buffer into its
// length-prefixed AD structures.
package advert

import (
	"errors"
	"fmt"
)

// TypeManufacturerData is the AD type reserved for vendor payloads
const TypeManufacturerData byte = 0xFF

// ErrTruncated is reported when a structure claims more bytes than remain
var ErrTruncated = errors.New("truncated advertisement structure")

// Structure is a single AD structure: one type byte and its payload
type Structure struct {
	Type    byte
	Payload []byte
}

// FramingError describes where scanning stopped
type FramingError struct {
	Offset    int // position of the offending length byte
	Length    int // value of the length byte
	Remaining int // bytes available after the length byte
}

func (e *FramingError) Error() string {
	if e.Length == 0 {
		return fmt.Sprintf("zero-length advertisement structure at offset %d", e.Offset)
	}
	return fmt.Sprintf("advertisement structure at offset %d declares %d bytes, only %d remain",
		e.Offset, e.Length, e.Remaining)
}

func (e *FramingError) Unwrap() error {
	return ErrTruncated
}

// Scanner walks an advertisement buffer one structure at a time.
// It cannot be rewound; create a new Scanner to walk the buffer again.
//
//	s := advert.NewScanner(buf)
//	for s.Scan() {
//		st := s.Structure()
//		...
//	}
//	if err := s.Err(); err != nil {
//		...
//	}
type Scanner struct {
	buf    []byte
	offset int
	cur    Structure
	err    error
	done   bool
}

// NewScanner returns a Scanner over buf. The buffer is not copied; payloads
// returned by Structure alias it.
func NewScanner(buf []byte) *Scanner {
	return &Scanner{buf: buf}
}

// Scan advances to the next structure. It returns false at the end of the
// buffer or after the first framing failure, which is then available from Err.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}

	if s.offset >= len(s.buf) {
		s.done = true
		return false
	}

	length := int(s.buf[s.offset])
	remaining := len(s.buf) - s.offset - 1
	if length == 0 || remaining < length {
		s.err = &FramingError{Offset: s.offset, Length: length, Remaining: remaining}
		s.done = true
		s.cur = Structure{}
		return false
	}

	start := s.offset + 1
	s.cur = Structure{
		Type:    s.buf[start],
		Payload: s.buf[start+1 : start+length],
	}
	s.offset = start + length
	return true
}

// Structure returns the structure produced by the last successful Scan
func (s *Scanner) Structure() Structure {
	return s.cur
}

// Err returns the framing failure that stopped the scan, if any
func (s *Scanner) Err() error {
	return s.err
}

// Consumed returns the number of buffer bytes covered by the structures
// scanned so far.
func (s *Scanner) Consumed() int {
	return s.offset
}

// Parse scans the whole buffer and returns every complete structure. A
// framing failure is returned together with the structures that preceded it.
func Parse(buf []byte) ([]Structure, error) {
	var out []Structure
	s := NewScanner(buf)
	for s.Scan() {
		out = append(out, s.Structure())
	}
	return out, s.Err()
}
