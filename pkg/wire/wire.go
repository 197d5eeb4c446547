// Package wire defines the IPC messages exchanged between the daemon and its
// clients, and their framing: a 4-byte big-endian length followed by a CBOR
// encoded Message.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"mediad/pkg/value"
)

// Kind tells the receiver how to interpret a message.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindReply
	KindError
	KindSubscribe
	KindUnsubscribe
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one IPC frame.
//
// Requests carry Object, Command and Args. Replies echo the request Cookie
// and carry Value; error replies carry Code and Error instead. Subscribe
// and Unsubscribe name an Object and Property; the daemon answers with a
// reply and then sends Broadcast messages with the same Cookie.
type Message struct {
	Kind     Kind          `cbor:"1,keyasint"`
	Cookie   uint32        `cbor:"2,keyasint"`
	Object   uint32        `cbor:"3,keyasint,omitempty"`
	Command  uint32        `cbor:"4,keyasint,omitempty"`
	Args     []value.Value `cbor:"5,keyasint,omitempty"`
	Value    value.Value   `cbor:"6,keyasint"`
	Property string        `cbor:"7,keyasint,omitempty"`
	Code     string        `cbor:"8,keyasint,omitempty"`
	Error    string        `cbor:"9,keyasint,omitempty"`
}

// DefaultMaxFrame bounds the size of a single frame.
const DefaultMaxFrame = 16 << 20

// ErrFrameTooLarge is returned for frames above the reader or writer limit.
var ErrFrameTooLarge = errors.New("wire: frame too large")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{MaxNestedLevels: 64}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decoder: %v", err))
	}
}

// Encode marshals m without framing.
func Encode(m Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Decode unmarshals an unframed message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	if m.Kind < KindRequest || m.Kind > KindBroadcast {
		return Message{}, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
	return m, nil
}

// Writer writes framed messages. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

// NewWriter returns a Writer with the default frame limit.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, max: DefaultMaxFrame}
}

// Write frames and writes m.
func (w *Writer) Write(m Message) error {
	body, err := Encode(m)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	if len(body) > w.max {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(frame)
	return err
}

// Reader reads framed messages.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader returns a Reader. A max of zero selects DefaultMaxFrame.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Reader{r: bufio.NewReader(r), max: max}
}

// Read returns the next message. io.EOF is returned unchanged at a frame
// boundary.
func (r *Reader) Read() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("wire: truncated header: %w", err)
		}
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(r.max) {
		return Message{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return Message{}, fmt.Errorf("wire: truncated frame: %w", err)
	}
	return Decode(body)
}
