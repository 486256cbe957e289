package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

const (
	SubprotocolCBOR = "collab.cbor"
	SubprotocolJSON = "collab.json"
)

// Codec encodes messages for one websocket subprotocol.
type Codec interface {
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
	// Subprotocol is the websocket subprotocol name negotiated for the codec.
	Subprotocol() string
	// Binary reports whether frames are sent as binary rather than text messages.
	Binary() bool
}

var ErrUnknownSubprotocol = errors.New("protocol: unsupported subprotocol")

// Subprotocols lists the supported subprotocols in order of preference.
var Subprotocols = []string{SubprotocolCBOR, SubprotocolJSON}

// ForSubprotocol returns the codec for a negotiated subprotocol. An empty name
// selects CBOR.
func ForSubprotocol(name string) (Codec, error) {
	switch name {
	case SubprotocolCBOR, "":
		return CBOR(), nil
	case SubprotocolJSON:
		return JSON(), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownSubprotocol, name)
	}
}

type cborCodec struct {
	em cbor.EncMode
	dm cbor.DecMode
}

// CBOR returns the binary codec.
func CBOR() Codec {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{MaxArrayElements: 1 << 20, MaxMapPairs: 1 << 20}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{em: em, dm: dm}
}

func (c *cborCodec) Marshal(m *Message) ([]byte, error) {
	return c.em.Marshal(m)
}

func (c *cborCodec) Unmarshal(data []byte, m *Message) error {
	return c.dm.Unmarshal(data, m)
}

func (c *cborCodec) Subprotocol() string { return SubprotocolCBOR }

func (c *cborCodec) Binary() bool { return true }

type jsonCodec struct{}

// JSON returns the text codec, convenient for browser debugging tools.
func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte, m *Message) error {
	return json.Unmarshal(data, m)
}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }

func (jsonCodec) Binary() bool { return false }
