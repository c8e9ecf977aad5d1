package serialize

import (
	"errors"
	"reflect"

	"github.com/ugorji/go/codec"

	"github.com/weapp/spell/wamp"
)

var mph = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{
		WriteExt: true,
	}
	h.RawToString = true
	h.MapType = reflect.TypeOf(wamp.Dict(nil))
	return h
}

// MessagePackSerializer encodes and decodes MessagePack payloads.
type MessagePackSerializer struct{}

// Serialize encodes a message into a msgpack payload.
func (s *MessagePackSerializer) Serialize(msg wamp.Message) ([]byte, error) {
	var b []byte
	return b, codec.NewEncoderBytes(&b, mph).Encode(msgToList(msg))
}

// Deserialize decodes a msgpack payload into a message.
func (s *MessagePackSerializer) Deserialize(data []byte) (wamp.Message, error) {
	var v []interface{}
	if err := codec.NewDecoderBytes(data, mph).Decode(&v); err != nil {
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
