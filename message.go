package wsengine

import (
	"fmt"
	"time"
)

// Message is a complete WebSocket message.
// Its opcode is fixed by its variant: *Text, *Binary, *Ping, *Pong or *Close.
type Message interface {
	Opcode() Opcode
	// Content returns the message content. For a Close it is the reason text.
	Content() []byte
	SetContent(p []byte)
	// Compressed reports whether the content is deflated, or for outgoing
	// messages, whether it has been deflated by the compression extension.
	Compressed() bool
	SetCompressed(compressed bool)
	// Time returns when the message was created.
	Time() time.Time
	String() string

	payload() ([]byte, error)
	setPayload(p []byte) error
	clone() Message
}

type message struct {
	content    []byte
	compressed bool
	time       time.Time
}

func newMessage(p []byte) message {
	return message{
		content: p,
		time:    time.Now(),
	}
}

func (m *message) Content() []byte {
	return m.content
}

func (m *message) SetContent(p []byte) {
	m.content = p
}

func (m *message) Compressed() bool {
	return m.compressed
}

func (m *message) SetCompressed(compressed bool) {
	m.compressed = compressed
}

func (m *message) Time() time.Time {
	return m.time
}

func (m *message) payload() ([]byte, error) {
	return m.content, nil
}

func (m *message) setPayload(p []byte) error {
	m.content = p
	return nil
}

func describe(op Opcode, p []byte) string {
	const maxQuoted = 32
	if op == OpBinary || len(p) > maxQuoted {
		return fmt.Sprintf("%v[%d bytes]", op, len(p))
	}
	return fmt.Sprintf("%v(%q)", op, p)
}

// Text is a UTF-8 text message.
type Text struct {
	message
}

// NewText returns a Text message with the given content.
func NewText(s string) *Text {
	return &Text{message: newMessage([]byte(s))}
}

func (m *Text) Opcode() Opcode { return OpText }
func (m *Text) Text() string { return string(m.content) }
func (m *Text) String() string { return describe(OpText, m.content) }
func (m *Text) clone() Message {
	c := *m
	return &c
}

// Binary is a binary data message.
type Binary struct {
	message
}

// NewBinary returns a Binary message with the given content.
func NewBinary(p []byte) *Binary {
	return &Binary{message: newMessage(p)}
}

func (m *Binary) Opcode() Opcode { return OpBinary }
func (m *Binary) String() string { return describe(OpBinary, m.content) }
func (m *Binary) clone() Message {
	c := *m
	return &c
}

// Ping is a ping control message.
type Ping struct {
	message
}

// NewPing returns a Ping carrying p as application data.
func NewPing(p []byte) *Ping {
	return &Ping{message: newMessage(p)}
}

func (m *Ping) Opcode() Opcode { return OpPing }
func (m *Ping) String() string { return describe(OpPing, m.content) }
func (m *Ping) clone() Message {
	c := *m
	return &c
}

// Pong is a pong control message.
type Pong struct {
	message
}

// NewPong returns a Pong carrying p as application data.
func NewPong(p []byte) *Pong {
	return &Pong{message: newMessage(p)}
}

func (m *Pong) Opcode() Opcode { return OpPong }
func (m *Pong) String() string { return describe(OpPong, m.content) }
func (m *Pong) clone() Message {
	c := *m
	return &c
}

// Close is a close control message. Its content is the close reason.
type Close struct {
	message
	code StatusCode
}

// NewClose returns a Close with the given status and reason.
// StatusNoStatusRcvd sends a close frame with an empty payload.
func NewClose(code StatusCode, reason string) *Close {
	return &Close{
		message: newMessage([]byte(reason)),
		code:    code,
	}
}

func (m *Close) Opcode() Opcode { return OpClose }

// Code returns the close status, StatusNoStatusRcvd when none was set.
func (m *Close) Code() StatusCode { return m.code }

// Reason returns the close reason.
func (m *Close) Reason() string { return string(m.content) }

func (m *Close) String() string {
	if m.code == StatusNoStatusRcvd {
		return "close"
	}
	return fmt.Sprintf("close(%d, %q)", int(m.code), m.content)
}

func (m *Close) clone() Message {
	c := *m
	return &c
}

func (m *Close) payload() ([]byte, error) {
	return CloseError{Code: m.code, Reason: string(m.content)}.bytes()
}

func (m *Close) setPayload(p []byte) error {
	ce, err := parseClosePayload(p)
	if err != nil {
		return err
	}
	m.code = ce.Code
	m.content = []byte(ce.Reason)
	return nil
}

func newMessageFor(op Opcode) (Message, bool) {
	switch op {
	case OpText:
		return &Text{message: newMessage(nil)}, true
	case OpBinary:
		return &Binary{message: newMessage(nil)}, true
	case OpPing:
		return &Ping{message: newMessage(nil)}, true
	case OpPong:
		return &Pong{message: newMessage(nil)}, true
	case OpClose:
		return &Close{message: newMessage(nil), code: StatusNoStatusRcvd}, true
	}
	return nil, false
}
