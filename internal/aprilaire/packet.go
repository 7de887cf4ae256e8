package aprilaire

// Frame layout:
//   revision(1) sequence(1) length(2, big endian) action(1) domain(1) attribute(1) payload(n) crc8(1)
// length counts action, domain, attribute and payload.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	frameRevision   = 1
	frameHeaderSize = 4   // revision + sequence + length
	maxFrameLength  = 512 // larger lengths mean the stream is out of sync
)

var (
	// ErrBadRevision is returned when a frame does not start with the protocol revision byte.
	ErrBadRevision = errors.New("aprilaire: bad frame revision")
	// ErrBadLength is returned when a frame header carries an impossible length.
	ErrBadLength = errors.New("aprilaire: bad frame length")
	// ErrBadCRC is returned when the trailing CRC does not match the frame contents.
	ErrBadCRC = errors.New("aprilaire: crc mismatch")
)

// Frame is one decoded protocol frame.
type Frame struct {
	Revision  uint8
	Sequence  uint8
	Action    Action
	Domain    FunctionalDomain
	Attribute uint8
	Payload   []byte
}

// --- CRC-8 (poly=0x31, init=0x00, MSB first, no final xor) ---

var crc8Table [256]uint8

func init() {
	const poly = 0x31
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crc8Table[i] = crc
	}
}

// CRC8 computes the frame checksum over data.
func CRC8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

// EncodeFrame builds a complete frame including the CRC.
func EncodeFrame(seq uint8, action Action, domain FunctionalDomain, attribute uint8, payload []byte) []byte {
	length := 3 + len(payload)
	frame := make([]byte, 0, frameHeaderSize+length+1)
	frame = append(frame, frameRevision, seq)
	frame = binary.BigEndian.AppendUint16(frame, uint16(length))
	frame = append(frame, byte(action), byte(domain), attribute)
	frame = append(frame, payload...)
	return append(frame, CRC8(frame))
}

// ReadFrame reads one raw frame (header through CRC) from r.
//
// When the stream is out of sync, ReadFrame skips ahead to the next revision
// byte and returns ErrBadRevision or ErrBadLength. The reader stays usable and
// the next call picks up at the skipped-to byte.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(frameHeaderSize)
	if err != nil {
		if len(header) > 0 && err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if header[0] != frameRevision {
		first := header[0]
		n := skipToRevision(r)
		return nil, fmt.Errorf("%w: 0x%02X, skipped %d bytes", ErrBadRevision, first, n)
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < 3 || length > maxFrameLength {
		r.Discard(1)
		n := 1 + skipToRevision(r)
		return nil, fmt.Errorf("%w: %d, skipped %d bytes", ErrBadLength, length, n)
	}
	raw := make([]byte, frameHeaderSize+length+1)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// skipToRevision discards bytes until the next revision byte or a read error.
func skipToRevision(r *bufio.Reader) int {
	n := 0
	for {
		b, err := r.Peek(1)
		if err != nil || b[0] == frameRevision {
			return n
		}
		r.Discard(1)
		n++
	}
}

// IsResync reports whether err came from ReadFrame skipping out-of-sync bytes.
func IsResync(err error) bool {
	return errors.Is(err, ErrBadRevision) || errors.Is(err, ErrBadLength)
}

// DecodeFrame validates and decodes one raw frame.
func DecodeFrame(raw []byte) (*Frame, error) {
	if len(raw) < frameHeaderSize+4 {
		return nil, fmt.Errorf("aprilaire: frame too short: %d bytes", len(raw))
	}
	if raw[0] != frameRevision {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadRevision, raw[0])
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if length < 3 || frameHeaderSize+length+1 > len(raw) {
		return nil, fmt.Errorf("aprilaire: frame truncated: length %d, have %d bytes", length, len(raw))
	}
	end := frameHeaderSize + length
	if got, want := raw[end], CRC8(raw[:end]); got != want {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrBadCRC, got, want)
	}

	f := &Frame{
		Revision:  raw[0],
		Sequence:  raw[1],
		Action:    Action(raw[4]),
		Domain:    FunctionalDomain(raw[5]),
		Attribute: raw[6],
	}
	if end > 7 {
		f.Payload = make([]byte, end-7)
		copy(f.Payload, raw[7:end])
	}
	return f, nil
}

// SplitFrames decodes every complete frame in buf. Several frames are often
// concatenated in a single read from the thermostat.
func SplitFrames(buf []byte) ([]*Frame, error) {
	var frames []*Frame
	for len(buf) > 0 {
		if len(buf) < frameHeaderSize {
			return frames, fmt.Errorf("aprilaire: %d trailing bytes", len(buf))
		}
		n := frameHeaderSize + int(binary.BigEndian.Uint16(buf[2:4])) + 1
		if n > len(buf) {
			return frames, fmt.Errorf("aprilaire: frame truncated: need %d, have %d", n, len(buf))
		}
		f, err := DecodeFrame(buf[:n])
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		buf = buf[n:]
	}
	return frames, nil
}

// --- Value codecs ---

// DecodeTemperature converts a raw temperature byte to degrees Celsius.
// Bits 0-5 hold the whole degrees, bit 6 adds half a degree and bit 7 marks a negative value.
func DecodeTemperature(raw byte) float64 {
	t := float64(raw & 0x3F)
	if raw&0x40 != 0 {
		t += 0.5
	}
	if raw&0x80 != 0 {
		t = -t
	}
	return t
}

// EncodeTemperature converts degrees Celsius to the raw temperature byte.
func EncodeTemperature(t float64) byte {
	mag := math.Abs(t)
	whole := math.Floor(mag)
	raw := byte(min(whole, 63))
	if mag-whole >= 0.5 {
		raw |= 0x40
	}
	if t < 0 {
		raw |= 0x80
	}
	return raw
}

// DecodeHumidity returns nil for 0 and readings of 100 or more, which the thermostat uses for "unknown".
func DecodeHumidity(raw byte) any {
	if raw == 0 || raw >= 100 {
		return nil
	}
	return int(raw)
}

// FormatMAC renders six bytes the way the thermostat's MAC is exposed: unpadded lower-case hex.
func FormatMAC(b []byte) string {
	out := make([]byte, 0, 17)
	for i, v := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = fmt.Appendf(out, "%x", v)
	}
	return string(out)
}
