package serialization

import (
	"encoding/json"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/routeq/routeq/pkg/types"
)

// Type identifies a serialization format.
type Type string

const (
	TypeCBOR    Type = "cbor"
	TypeJSON    Type = "json"
	TypeMsgPack Type = "msgpack"
)

// JSONLibrary selects the JSON implementation.
type JSONLibrary string

const (
	JSONStandard JSONLibrary = "standard"
	JSONSonic    JSONLibrary = "sonic"
)

// Codec serializes message envelopes for the journal and any cross-process
// transport.
type Codec interface {
	Encode(message *types.Message) ([]byte, error)
	Decode(data []byte) (*types.Message, error)
	Name() string
}

// Factory creates codecs by type.
type Factory struct {
	mu     sync.RWMutex
	codecs map[Type]Codec
}

// NewFactory creates a factory with the default codecs registered. CBOR is
// deterministic so identical envelopes always produce identical journal
// frames.
func NewFactory(jsonLib JSONLibrary) (*Factory, error) {
	f := &Factory{codecs: make(map[Type]Codec)}

	cborCodec, err := NewCBORCodec()
	if err != nil {
		return nil, err
	}
	f.Register(TypeCBOR, cborCodec)
	f.Register(TypeJSON, NewJSONCodec(jsonLib))
	f.Register(TypeMsgPack, NewMsgPackCodec())
	return f, nil
}

// Register adds or replaces a codec for a type.
func (f *Factory) Register(t Type, codec Codec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codecs[t] = codec
}

// Get returns the codec registered for a type.
func (f *Factory) Get(t Type) (Codec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	codec, ok := f.codecs[t]
	if !ok {
		return nil, types.NewError(types.ErrCodeSerializationFailure, "unsupported serialization type").
			WithDetail("type", string(t))
	}
	return codec, nil
}

// CBORCodec encodes envelopes as canonical CBOR.
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec creates a CBOR codec with deterministic encoding.
func NewCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		Time:        cbor.TimeUnixMicro,
		TimeTag:     cbor.EncTagNone,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decOpts := cbor.DecOptions{
		TimeTag:     cbor.DecTagIgnored,
		IndefLength: cbor.IndefLengthForbidden,
	}

	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "cbor encoder setup", err)
	}
	decMode, err := decOpts.DecMode()
	if err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "cbor decoder setup", err)
	}
	return &CBORCodec{encMode: encMode, decMode: decMode}, nil
}

func (c *CBORCodec) Encode(message *types.Message) ([]byte, error) {
	data, err := c.encMode.Marshal(message)
	if err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "cbor encode", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte) (*types.Message, error) {
	var message types.Message
	if err := c.decMode.Unmarshal(data, &message); err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "cbor decode", err)
	}
	return &message, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

// JSONCodec encodes envelopes as JSON using either the standard library or
// sonic.
type JSONCodec struct {
	library JSONLibrary
}

// NewJSONCodec creates a JSON codec.
func NewJSONCodec(library JSONLibrary) *JSONCodec {
	if library == "" {
		library = JSONStandard
	}
	return &JSONCodec{library: library}
}

func (j *JSONCodec) Encode(message *types.Message) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if j.library == JSONSonic {
		data, err = sonic.Marshal(message)
	} else {
		data, err = json.Marshal(message)
	}
	if err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "json encode", err)
	}
	return data, nil
}

func (j *JSONCodec) Decode(data []byte) (*types.Message, error) {
	var message types.Message
	var err error
	if j.library == JSONSonic {
		err = sonic.Unmarshal(data, &message)
	} else {
		err = json.Unmarshal(data, &message)
	}
	if err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "json decode", err)
	}
	return &message, nil
}

func (j *JSONCodec) Name() string { return "json" }

// MsgPackCodec encodes envelopes as MessagePack.
type MsgPackCodec struct{}

// NewMsgPackCodec creates a MessagePack codec.
func NewMsgPackCodec() *MsgPackCodec { return &MsgPackCodec{} }

func (m *MsgPackCodec) Encode(message *types.Message) ([]byte, error) {
	data, err := msgpack.Marshal(message)
	if err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "msgpack encode", err)
	}
	return data, nil
}

func (m *MsgPackCodec) Decode(data []byte) (*types.Message, error) {
	var message types.Message
	if err := msgpack.Unmarshal(data, &message); err != nil {
		return nil, types.NewErrorWithCause(types.ErrCodeSerializationFailure, "msgpack decode", err)
	}
	return &message, nil
}

func (m *MsgPackCodec) Name() string { return "msgpack" }
