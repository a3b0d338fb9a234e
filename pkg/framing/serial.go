package framing

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

const (
	stx byte = 0xA2
	etx byte = 0xA3
	atx byte = 0xA4
	esc byte = 0xAA
)

func escapeByte(b byte) byte {
	switch b {
	case stx:
		return 0x02
	case etx:
		return 0x03
	case atx:
		return 0x04
	case esc:
		return 0x0A
	default:
		return b
	}
}

func unescapeByte(b byte) (byte, bool) {
	switch b {
	case 0x02:
		return stx, true
	case 0x03:
		return etx, true
	case 0x04:
		return atx, true
	case 0x0A:
		return esc, true
	default:
		return 0, false
	}
}

// Serial is byte-stuffed serial framing: STX payload ETX, with control
// bytes inside the payload escaped as ESC followed by the control byte's
// low nibble. ATX aborts the frame in-band. When crcEnabled, a 4-byte
// big-endian CRC-32 (IEEE polynomial) follows ETX, escaped by the same
// rule, computed over the framed bytes exactly as they appear on the
// wire between STX and ETX (escape markers included).
type Serial struct {
	rw         io.ReadWriter
	crcEnabled bool

	sendStarted bool
	sendHash    uint32

	recvDone    bool
	recvAborted bool
	recvHash    uint32
}

// NewSerial wraps rw with serial framing. When crcEnabled, a CRC-32
// trailer is appended after ETX and verified by ValidMsg.
func NewSerial(rw io.ReadWriter, crcEnabled bool) *Serial {
	return &Serial{rw: rw, crcEnabled: crcEnabled}
}

func (s *Serial) writeRaw(b byte) error {
	_, err := s.rw.Write([]byte{b})
	return err
}

func (s *Serial) readRawByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.rw, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *Serial) readEscapedByte() (byte, error) {
	b, err := s.readRawByte()
	if err != nil {
		return 0, err
	}
	if b == esc {
		eb, err := s.readRawByte()
		if err != nil {
			return 0, err
		}
		u, ok := unescapeByte(eb)
		if !ok {
			return 0, ErrInvalidFrame
		}
		return u, nil
	}
	return b, nil
}

func (s *Serial) crcUpdateRecv(b byte) {
	if s.crcEnabled {
		s.recvHash = crc32.Update(s.recvHash, crc32.IEEETable, []byte{b})
	}
}

func (s *Serial) crcUpdateSend(b byte) {
	if s.crcEnabled {
		s.sendHash = crc32.Update(s.sendHash, crc32.IEEETable, []byte{b})
	}
}

func (s *Serial) NextMsg() (Result, error) {
	for {
		b, err := s.readRawByte()
		if err != nil {
			if err == io.EOF {
				return ResultNothing, nil
			}
			return ResultNothing, err
		}
		if b == stx {
			s.recvHash = 0
			s.recvDone = false
			s.recvAborted = false
			return ResultMessage, nil
		}
		// Stray byte outside a frame (including a bare ETX/ATX left over
		// from a previous aborted read): ignored, keep scanning for STX.
	}
}

func (s *Serial) Reader() io.Reader {
	return &serialReader{s: s}
}

type serialReader struct{ s *Serial }

func (r *serialReader) Read(p []byte) (int, error) {
	s := r.s
	if s.recvDone {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		b, err := s.readRawByte()
		if err != nil {
			return n, err
		}
		switch b {
		case etx:
			s.recvDone = true
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		case atx, stx:
			s.recvDone = true
			s.recvAborted = true
			return n, ErrAborted
		case esc:
			s.crcUpdateRecv(esc)
			eb, err := s.readRawByte()
			if err != nil {
				return n, err
			}
			s.crcUpdateRecv(eb)
			u, ok := unescapeByte(eb)
			if !ok {
				s.recvDone = true
				return n, ErrInvalidFrame
			}
			p[n] = u
			n++
		default:
			s.crcUpdateRecv(b)
			p[n] = b
			n++
		}
	}
	return n, nil
}

func (s *Serial) IgnoreMsg() error {
	if s.recvDone {
		return nil
	}
	_, err := io.Copy(io.Discard, s.Reader())
	if err != nil && err != ErrAborted {
		return err
	}
	return nil
}

func (s *Serial) ValidMsg() (bool, error) {
	if err := s.IgnoreMsg(); err != nil {
		return false, err
	}
	if s.recvAborted {
		return false, nil
	}
	if !s.crcEnabled {
		return true, nil
	}
	var want [4]byte
	for i := range want {
		b, err := s.readEscapedByte()
		if err != nil {
			return false, err
		}
		want[i] = b
	}
	return binary.BigEndian.Uint32(want[:]) == s.recvHash, nil
}

func (s *Serial) Writer() io.Writer {
	return serialWriter{s: s}
}

type serialWriter struct{ s *Serial }

func (w serialWriter) Write(p []byte) (int, error) {
	s := w.s
	if !s.sendStarted {
		if err := s.writeRaw(stx); err != nil {
			return 0, err
		}
		s.sendStarted = true
		s.sendHash = 0
	}
	for i, b := range p {
		e := escapeByte(b)
		if e == b {
			if err := s.writeRaw(b); err != nil {
				return i, err
			}
			s.crcUpdateSend(b)
		} else {
			if err := s.writeRaw(esc); err != nil {
				return i, err
			}
			if err := s.writeRaw(e); err != nil {
				return i, err
			}
			s.crcUpdateSend(esc)
			s.crcUpdateSend(e)
		}
	}
	return len(p), nil
}

func (s *Serial) writeEscapedRaw(b byte) error {
	e := escapeByte(b)
	if e == b {
		return s.writeRaw(b)
	}
	if err := s.writeRaw(esc); err != nil {
		return err
	}
	return s.writeRaw(e)
}

func (s *Serial) SendMsg() error {
	if !s.sendStarted {
		if err := s.writeRaw(stx); err != nil {
			return err
		}
		s.sendStarted = true
		s.sendHash = 0
	}
	if err := s.writeRaw(etx); err != nil {
		return err
	}
	s.sendStarted = false
	if !s.crcEnabled {
		return nil
	}
	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], s.sendHash)
	for _, b := range crcBytes {
		if err := s.writeEscapedRaw(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serial) DropMsg() error {
	if s.sendStarted {
		err := s.writeRaw(atx)
		s.sendStarted = false
		return err
	}
	return nil
}

var _ Framer = (*Serial)(nil)
