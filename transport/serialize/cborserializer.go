package serialize

import (
	"errors"
	"reflect"

	"github.com/ugorji/go/codec"

	"github.com/weapp/spell/wamp"
)

var cbh = newCborHandle()

func newCborHandle() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.MapType = reflect.TypeOf(wamp.Dict(nil))
	return h
}

// CBORSerializer encodes and decodes CBOR payloads.
type CBORSerializer struct{}

// Serialize encodes a message into a cbor payload.
func (s *CBORSerializer) Serialize(msg wamp.Message) ([]byte, error) {
	var b []byte
	return b, codec.NewEncoderBytes(&b, cbh).Encode(msgToList(msg))
}

// Deserialize decodes a cbor payload into a message.
func (s *CBORSerializer) Deserialize(data []byte) (wamp.Message, error) {
	var v []interface{}
	if err := codec.NewDecoderBytes(data, cbh).Decode(&v); err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, errors.New("invalid message")
	}
	typ, ok := wamp.AsInt64(v[0])
	if !ok {
		return nil, errors.New("unsupported message format")
	}
	return listToMsg(wamp.MessageType(typ), v)
}
