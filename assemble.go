package wsengine

import (
	"bytes"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/coder/wsengine/internal/bpool"
)

// DefaultFrameSize is the default maximum payload size of outgoing frames.
const DefaultFrameSize = 4096

// DefaultReadLimit is the default maximum size of an incoming message.
const DefaultReadLimit = 1 << 20

// Fragment splits m into frames carrying at most maxFrameSize payload bytes.
// The first frame carries the message opcode and, for a compressed message,
// rsv1. Control messages are never split and must fit in a single frame.
func Fragment(m Message, maxFrameSize int) ([]Frame, error) {
	if maxFrameSize < 1 {
		return nil, xerrors.Errorf("invalid frame size %d: %w", maxFrameSize, ErrInvalidConfig)
	}
	p, err := m.payload()
	if err != nil {
		return nil, xerrors.Errorf("failed to encode %v: %v: %w", m, err, ErrInvalidConfig)
	}

	if m.Opcode().IsControl() {
		if len(p) > maxControlPayload {
			return nil, xerrors.Errorf("%v payload of %d bytes exceeds %d: %w", m.Opcode(), len(p), maxControlPayload, ErrInvalidConfig)
		}
		return []Frame{{
			Opcode:  m.Opcode(),
			Fin:     true,
			Payload: p,
		}}, nil
	}

	n := (len(p) + maxFrameSize - 1) / maxFrameSize
	if n == 0 {
		n = 1
	}
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * maxFrameSize
		if end > len(p) {
			end = len(p)
		}
		f := Frame{
			Opcode:  OpContinuation,
			Fin:     i == n-1,
			Payload: p[i*maxFrameSize : end],
		}
		if i == 0 {
			f.Opcode = m.Opcode()
			f.Rsv1 = m.Compressed()
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// assembler turns messages into frames and frame sequences back into messages.
type assembler struct {
	codec *frameCodec
	log   *zerolog.Logger

	// readLimit bounds the payload of a data message. Zero or less
	// disables it.
	readLimit int64

	// partial holds a fragmented data message until its final frame.
	partial *partialMessage
}

type partialMessage struct {
	opcode     Opcode
	compressed bool
	payload    *bytes.Buffer
	frames     int
}

func (a *assembler) push(m Message, maxFrameSize int) error {
	frames, err := Fragment(m, maxFrameSize)
	if err != nil {
		return err
	}
	for _, f := range frames {
		err = a.codec.writeFrame(f)
		if err != nil {
			return err
		}
	}
	a.log.Debug().
		Stringer("opcode", m.Opcode()).
		Int("length", len(m.Content())).
		Int("frames", len(frames)).
		Msgf("pushed %v", m)
	return nil
}

// pull reads frames until a message is complete.
// Control frames interleaved with a fragmented message are returned as soon
// as they arrive; the fragmented message stays buffered.
func (a *assembler) pull() (Message, error) {
	for {
		limit := a.readLimit
		if limit <= 0 {
			limit = -1
		}
		f, err := a.codec.readFrame(limit)
		if err != nil {
			return nil, err
		}
		if !f.Opcode.known() {
			return nil, messageErrorf("invalid opcode %v", f.Opcode)
		}

		if f.Opcode.IsControl() && !f.Fin {
			return nil, CloseError{Code: StatusProtocolError, Reason: "fragmented control frame"}
		}

		if f.Opcode == OpContinuation {
			if a.partial == nil {
				return nil, messageErrorf("unexpected continuation frame")
			}
			if limit > 0 && int64(a.partial.payload.Len()+len(f.Payload)) > limit {
				bpool.Put(a.partial.payload)
				a.partial = nil
				return nil, CloseError{Code: StatusMessageTooBig, Reason: "message too big"}
			}
			a.partial.payload.Write(f.Payload)
			a.partial.compressed = a.partial.compressed || f.Rsv1
			a.partial.frames++
			if !f.Fin {
				continue
			}
			pm := a.partial
			a.partial = nil
			return a.build(pm.opcode, bpool.Bytes(pm.payload), pm.compressed, pm.frames)
		}

		if !f.Fin {
			if a.partial != nil {
				a.log.Warn().Stringer("opcode", a.partial.opcode).Msg("discarding unfinished fragmented message")
				bpool.Put(a.partial.payload)
			}
			a.partial = &partialMessage{
				opcode:     f.Opcode,
				compressed: f.Rsv1,
				payload:    bpool.Get(),
				frames:     1,
			}
			a.partial.payload.Write(f.Payload)
			continue
		}

		return a.build(f.Opcode, f.Payload, f.Rsv1, 1)
	}
}

func (a *assembler) build(op Opcode, p []byte, compressed bool, frames int) (Message, error) {
	m, ok := newMessageFor(op)
	if !ok {
		return nil, messageErrorf("invalid opcode %v", op)
	}
	err := m.setPayload(p)
	if err != nil {
		return nil, &MessageError{Err: xerrors.Errorf("failed to decode %v: %w", op, err)}
	}
	m.SetCompressed(compressed)

	a.log.Debug().
		Stringer("opcode", op).
		Int("length", len(p)).
		Int("frames", frames).
		Msgf("pulled %v", m)
	return m, nil
}
