package pack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Wire primitives. All multi-byte integers are big-endian. Strings use the
// compressed-UTF framing: one byte slot, one byte shared-prefix length,
// one big-endian uint16 suffix length, then the suffix bytes. The decoded
// value is slot-prefix || suffix; both ends then remember the value in
// that slot. The shared prefix never exceeds 255 bytes even when a longer
// prefix is common, which keeps the framing decodable by any version-3
// reader regardless of how aggressively the encoder shares.

// ErrStringTooLong reports a compressed-UTF value whose suffix exceeds
// the uint16 length field.
var ErrStringTooLong = errors.New("compressed-UTF suffix exceeds 65535 bytes")

// StreamWriter writes protocol primitives to an underlying stream.
type StreamWriter struct {
	bw    *bufio.Writer
	slots [numSlots]string
}

// NewStreamWriter wraps w for protocol output.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{bw: bufio.NewWriterSize(w, BufferSize)}
}

func (w *StreamWriter) Byte(b byte) error { return w.bw.WriteByte(b) }

func (w *StreamWriter) Bool(b bool) error {
	if b {
		return w.bw.WriteByte(1)
	}
	return w.bw.WriteByte(0)
}

func (w *StreamWriter) Int16(v int16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(v))
	_, err := w.bw.Write(buf[:])
	return err
}

func (w *StreamWriter) Int32(v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.bw.Write(buf[:])
	return err
}

func (w *StreamWriter) Int64(v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.bw.Write(buf[:])
	return err
}

// Write passes raw bytes through to the stream.
func (w *StreamWriter) Write(p []byte) (int, error) { return w.bw.Write(p) }

// CompressedUTF writes s against the given slot's remembered value.
func (w *StreamWriter) CompressedUTF(s string, slot int) error {
	prev := w.slots[slot]
	prefix := sharedPrefixLen(prev, s)
	suffix := s[prefix:]
	if len(suffix) > math.MaxUint16 {
		return ErrStringTooLong
	}
	if err := w.bw.WriteByte(byte(slot)); err != nil {
		return err
	}
	if err := w.bw.WriteByte(byte(prefix)); err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(suffix)))
	if _, err := w.bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(suffix); err != nil {
		return err
	}
	w.slots[slot] = s
	return nil
}

// Flush writes any buffered bytes to the underlying stream.
func (w *StreamWriter) Flush() error { return w.bw.Flush() }

func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n > math.MaxUint8 {
		n = math.MaxUint8
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// StreamReader reads protocol primitives from an underlying stream.
type StreamReader struct {
	br    *bufio.Reader
	slots [numSlots]string
}

// NewStreamReader wraps r for protocol input.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{br: bufio.NewReaderSize(r, BufferSize)}
}

func (r *StreamReader) Byte() (byte, error) { return r.br.ReadByte() }

func (r *StreamReader) Bool() (bool, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %d", b)
	}
}

func (r *StreamReader) Int16() (int16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(buf[:])), nil
}

func (r *StreamReader) Int32() (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func (r *StreamReader) Int64() (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// Read passes raw bytes through from the stream.
func (r *StreamReader) Read(p []byte) (int, error) { return r.br.Read(p) }

// ReadFull fills p from the stream.
func (r *StreamReader) ReadFull(p []byte) error {
	_, err := io.ReadFull(r.br, p)
	return err
}

// CompressedUTF reads a string encoded by StreamWriter.CompressedUTF.
func (r *StreamReader) CompressedUTF() (string, error) {
	slot, err := r.br.ReadByte()
	if err != nil {
		return "", err
	}
	if int(slot) >= numSlots {
		return "", fmt.Errorf("invalid compressed-UTF slot: %d", slot)
	}
	prefixLen, err := r.br.ReadByte()
	if err != nil {
		return "", err
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		return "", err
	}
	suffixLen := binary.BigEndian.Uint16(lenBuf[:])
	prev := r.slots[slot]
	if int(prefixLen) > len(prev) {
		return "", fmt.Errorf("compressed-UTF prefix length %d exceeds slot value length %d", prefixLen, len(prev))
	}
	suffix := make([]byte, suffixLen)
	if _, err := io.ReadFull(r.br, suffix); err != nil {
		return "", err
	}
	s := prev[:prefixLen] + string(suffix)
	r.slots[slot] = s
	return s, nil
}

// writeFileData copies src to w as framed data segments: repeated
// (int16 count, count bytes), terminated by count == -1.
func writeFileData(w *StreamWriter, src io.Reader, buf []byte) error {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if err2 := w.Int16(int16(n)); err2 != nil {
				return err2
			}
			if _, err2 := w.Write(buf[:n]); err2 != nil {
				return err2
			}
		}
		if err == io.EOF {
			return w.Int16(-1)
		}
		if err != nil {
			return err
		}
	}
}

// readFileData copies framed data segments from r to dst. A nil dst
// discards the bytes (dry run).
func readFileData(r *StreamReader, dst io.Writer, buf []byte) error {
	for {
		count, err := r.Int16()
		if err != nil {
			return err
		}
		if count == -1 {
			return nil
		}
		if count < 0 {
			return fmt.Errorf("count out of range: %d", count)
		}
		if int(count) > len(buf) {
			// Large segments are legal up to 32767 bytes; drain in pieces.
			remaining := int(count)
			for remaining > 0 {
				n := remaining
				if n > len(buf) {
					n = len(buf)
				}
				if err := r.ReadFull(buf[:n]); err != nil {
					return err
				}
				if dst != nil {
					if _, err := dst.Write(buf[:n]); err != nil {
						return err
					}
				}
				remaining -= n
			}
			continue
		}
		if err := r.ReadFull(buf[:count]); err != nil {
			return err
		}
		if dst != nil {
			if _, err := dst.Write(buf[:count]); err != nil {
				return err
			}
		}
	}
}
