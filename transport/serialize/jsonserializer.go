package serialize

import (
	"encoding/base64"
	"errors"

	"github.com/ugorji/go/codec"

	"github.com/weapp/spell/wamp"
)

var jsh = &codec.JsonHandle{}

// JSONSerializer encodes and decodes JSON payloads.
type JSONSerializer struct{}

// Serialize encodes a message into a JSON payload.
func (s *JSONSerializer) Serialize(msg wamp.Message) ([]byte, error) {
	var b []byte
	return b, codec.NewEncoderBytes(&b, jsh).Encode(msgToList(msg))
}

// Deserialize decodes a JSON payload into a message.
func (s *JSONSerializer) Deserialize(data []byte) (wamp.Message, error) {
	var v []interface{}
	if err := codec.NewDecoderBytes(data, jsh).Decode(&v); err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, errors.New("invalid message")
	}
	// The codec decodes the type code as uint64.
	typ, ok := wamp.AsInt64(v[0])
	if !ok {
		return nil, errors.New("unsupported message format")
	}
	return listToMsg(wamp.MessageType(typ), v)
}

// BinaryData is binary that is carried in JSON as a NUL-prefixed,
// base64-encoded string.
//
// https://github.com/wamp-proto/wamp-proto/blob/master/rfc/text/basic/bp_serializations.md
type BinaryData []byte

func (b BinaryData) MarshalJSON() ([]byte, error) {
	s := base64.StdEncoding.EncodeToString([]byte(b))
	var out []byte
	return out, codec.NewEncoderBytes(&out, jsh).Encode("\x00" + s)
}

func (b *BinaryData) UnmarshalJSON(v []byte) error {
	var s string
	if err := codec.NewDecoderBytes(v, jsh).Decode(&s); err != nil {
		return err
	}
	if len(s) == 0 || s[0] != '\x00' {
		return errors.New("binary string does not start with NUL")
	}
	data, err := base64.StdEncoding.DecodeString(s[1:])
	if err != nil {
		return err
	}
	*b = data
	return nil
}
