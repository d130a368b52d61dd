package wsengine

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"golang.org/x/xerrors"

	"github.com/coder/wsengine/internal/errd"
)

// Frame is a single WebSocket frame as it appears on the wire,
// with its payload unmasked.
type Frame struct {
	Opcode  Opcode
	Fin     bool
	Rsv1    bool
	Rsv2    bool
	Rsv3    bool
	Payload []byte
}

// header represents a WebSocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2.
type header struct {
	fin    bool
	rsv1   bool
	rsv2   bool
	rsv3   bool
	opcode Opcode

	payloadLength int64

	masked  bool
	maskKey uint32
}

// maxControlPayload is the maximum length of a control frame payload.
// See https://tools.ietf.org/html/rfc6455#section-5.5.
const maxControlPayload = 125

// maxFramePayload bounds the payload a single incoming frame may announce.
const maxFramePayload = math.MaxInt32

// readFrameHeader reads a header from the reader.
// io.EOF is only returned when the stream ends before the first header byte.
func readFrameHeader(r *bufio.Reader) (_ header, err error) {
	defer errd.Wrap(&err, "failed to read frame header")

	b, err := r.ReadByte()
	if err != nil {
		return header{}, err
	}

	var h header
	h.fin = b&(1<<7) != 0
	h.rsv1 = b&(1<<6) != 0
	h.rsv2 = b&(1<<5) != 0
	h.rsv3 = b&(1<<4) != 0
	h.opcode = Opcode(b & 0xf)

	var buf [8]byte
	_, err = io.ReadFull(r, buf[:1])
	if err != nil {
		return header{}, noEOF(err)
	}

	h.masked = buf[0]&(1<<7) != 0

	payloadLength := buf[0] &^ (1 << 7)
	switch {
	case payloadLength < 126:
		h.payloadLength = int64(payloadLength)
	case payloadLength == 126:
		_, err = io.ReadFull(r, buf[:2])
		h.payloadLength = int64(binary.BigEndian.Uint16(buf[:2]))
	case payloadLength == 127:
		_, err = io.ReadFull(r, buf[:8])
		h.payloadLength = int64(binary.BigEndian.Uint64(buf[:8]))
	}
	if err != nil {
		return header{}, noEOF(err)
	}
	if h.payloadLength < 0 {
		return header{}, CloseError{Code: StatusProtocolError, Reason: "invalid payload length"}
	}

	if h.masked {
		_, err = io.ReadFull(r, buf[:4])
		if err != nil {
			return header{}, noEOF(err)
		}
		h.maskKey = binary.LittleEndian.Uint32(buf[:4])
	}

	return h, nil
}

// writeFrameHeader writes the bytes of the header to w.
// See https://tools.ietf.org/html/rfc6455#section-5.2
func writeFrameHeader(h header, w *bufio.Writer) (err error) {
	defer errd.Wrap(&err, "failed to write frame header")

	var b byte
	if h.fin {
		b |= 1 << 7
	}
	if h.rsv1 {
		b |= 1 << 6
	}
	if h.rsv2 {
		b |= 1 << 5
	}
	if h.rsv3 {
		b |= 1 << 4
	}

	b |= byte(h.opcode)

	err = w.WriteByte(b)
	if err != nil {
		return err
	}

	lengthByte := byte(0)
	if h.masked {
		lengthByte |= 1 << 7
	}

	var buf [8]byte
	var ext []byte
	switch {
	case h.payloadLength > math.MaxUint16:
		lengthByte |= 127
		binary.BigEndian.PutUint64(buf[:], uint64(h.payloadLength))
		ext = buf[:8]
	case h.payloadLength > 125:
		lengthByte |= 126
		binary.BigEndian.PutUint16(buf[:], uint16(h.payloadLength))
		ext = buf[:2]
	default:
		lengthByte |= byte(h.payloadLength)
	}
	err = w.WriteByte(lengthByte)
	if err != nil {
		return err
	}
	_, err = w.Write(ext)
	if err != nil {
		return err
	}

	if h.masked {
		binary.LittleEndian.PutUint32(buf[:], h.maskKey)
		_, err = w.Write(buf[:4])
		if err != nil {
			return err
		}
	}

	return nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// frameCodec reads and writes frames for one side of a connection.
// Frames written by a client are masked; frames read by a server must be.
type frameCodec struct {
	br     *bufio.Reader
	bw     *bufio.Writer
	client bool

	maskKey func() (uint32, error)
	scratch []byte
}

func newFrameCodec(br *bufio.Reader, bw *bufio.Writer, client bool) *frameCodec {
	return &frameCodec{
		br:      br,
		bw:      bw,
		client:  client,
		maskKey: newMaskKey,
	}
}

// readFrame reads one complete frame and unmasks its payload.
// A data frame longer than limit is rejected before its payload is read;
// a negative limit disables the check.
func (fc *frameCodec) readFrame(limit int64) (_ Frame, err error) {
	h, err := readFrameHeader(fc.br)
	if err != nil {
		return Frame{}, err
	}

	if fc.client && h.masked {
		return Frame{}, CloseError{Code: StatusProtocolError, Reason: "masking not allowed"}
	}
	if !fc.client && !h.masked {
		return Frame{}, CloseError{Code: StatusProtocolError, Reason: "masking required"}
	}
	if limit >= 0 && !h.opcode.IsControl() && h.payloadLength > limit {
		return Frame{}, CloseError{Code: StatusMessageTooBig, Reason: "message too big"}
	}

	return fc.readPayload(h)
}

func (fc *frameCodec) readPayload(h header) (Frame, error) {
	if h.payloadLength > maxFramePayload {
		return Frame{}, CloseError{Code: StatusMessageTooBig, Reason: "frame too big"}
	}
	p, err := readGrowing(fc.br, h.payloadLength)
	if err != nil {
		return Frame{}, xerrors.Errorf("failed to read frame payload: %w", noEOF(err))
	}
	if h.masked {
		mask(h.maskKey, p)
	}

	return Frame{
		Opcode:  h.opcode,
		Fin:     h.fin,
		Rsv1:    h.rsv1,
		Rsv2:    h.rsv2,
		Rsv3:    h.rsv3,
		Payload: p,
	}, nil
}

// payloadChunk is the largest payload allocated up front. Longer payloads
// grow as their bytes arrive.
const payloadChunk = 32 << 10

func readGrowing(r io.Reader, n int64) ([]byte, error) {
	if n <= payloadChunk {
		p := make([]byte, n)
		_, err := io.ReadFull(r, p)
		return p, err
	}
	var b bytes.Buffer
	b.Grow(payloadChunk)
	_, err := io.CopyN(&b, r, n)
	return b.Bytes(), err
}

// writeFrame writes f and flushes it to the underlying stream.
// f.Payload is never modified.
func (fc *frameCodec) writeFrame(f Frame) (err error) {
	defer errd.Wrap(&err, "failed to write %v frame", f.Opcode)

	h := header{
		fin:           f.Fin,
		rsv1:          f.Rsv1,
		rsv2:          f.Rsv2,
		rsv3:          f.Rsv3,
		opcode:        f.Opcode,
		payloadLength: int64(len(f.Payload)),
		masked:        fc.client,
	}

	p := f.Payload
	if h.masked {
		h.maskKey, err = fc.maskKey()
		if err != nil {
			return xerrors.Errorf("failed to generate masking key: %w", err)
		}
		fc.scratch = append(fc.scratch[:0], p...)
		p = fc.scratch
		mask(h.maskKey, p)
	}

	err = writeFrameHeader(h, fc.bw)
	if err != nil {
		return err
	}
	_, err = fc.bw.Write(p)
	if err != nil {
		return err
	}
	return fc.bw.Flush()
}

// EncodeFrame writes f to w. The payload is masked with maskKey when
// masked is set; maskKey is the key as it appears on the wire.
func EncodeFrame(w io.Writer, f Frame, masked bool, maskKey [4]byte) error {
	bw := bufio.NewWriter(w)
	fc := newFrameCodec(nil, bw, masked)
	fc.maskKey = func() (uint32, error) {
		return binary.LittleEndian.Uint32(maskKey[:]), nil
	}
	return fc.writeFrame(f)
}

// DecodeFrame reads one frame from r and reports whether it was masked.
// The returned payload is always unmasked. Unless r is a *bufio.Reader,
// bytes past the frame may be consumed from r.
func DecodeFrame(r io.Reader) (Frame, bool, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	h, err := readFrameHeader(br)
	if err != nil {
		return Frame{}, false, err
	}
	fc := &frameCodec{br: br}
	f, err := fc.readPayload(h)
	return f, h.masked, err
}
