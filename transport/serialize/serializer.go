/*
Package serialize converts messages to and from their wire encodings.  JSON,
MessagePack, and CBOR encodings are provided; all encode a message as a list
whose first element is the message type code.

*/
package serialize

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/weapp/spell/wamp"
)

// Serialization selects the wire encoding for a session.
type Serialization int

const (
	// JSON text encoding.  This is the default.
	JSON Serialization = iota
	// MSGPACK binary encoding.
	MSGPACK
	// CBOR binary encoding.
	CBOR
)

// Serializer is implemented by each wire encoding.
type Serializer interface {
	Serialize(wamp.Message) ([]byte, error)
	Deserialize([]byte) (wamp.Message, error)
}

// New returns the serializer for the requested serialization.
func New(s Serialization) (Serializer, error) {
	switch s {
	case JSON:
		return &JSONSerializer{}, nil
	case MSGPACK:
		return &MessagePackSerializer{}, nil
	case CBOR:
		return &CBORSerializer{}, nil
	}
	return nil, fmt.Errorf("unsupported serialization: %d", s)
}

// listToMsg populates a message of the given type with the values following
// the type code in the decoded wire list.  Fields without a corresponding
// list element keep their zero value.
func listToMsg(msgType wamp.MessageType, vlist []interface{}) (wamp.Message, error) {
	msg := wamp.NewMessage(msgType)
	if msg == nil {
		return nil, errors.New("unsupported message type")
	}
	val := reflect.ValueOf(msg).Elem()
	for i := 0; i < val.NumField() && i < len(vlist)-1; i++ {
		f := val.Field(i)
		if vlist[i+1] == nil {
			continue
		}
		arg := reflect.ValueOf(vlist[i+1])
		if arg.Kind() == reflect.Ptr {
			arg = arg.Elem()
		}
		if arg.Type().AssignableTo(f.Type()) {
			f.Set(arg)
			continue
		}
		if arg.Type().ConvertibleTo(f.Type()) {
			f.Set(arg.Convert(f.Type()))
			continue
		}
		// Not convertible as a whole, so the element and field must at least
		// be the same kind of container, converted entry by entry.
		if arg.Type().Kind() != f.Type().Kind() {
			return nil, fmt.Errorf("field %d not recognized, has %s, want %s",
				i+1, arg.Type(), f.Type())
		}
		switch f.Type().Kind() {
		case reflect.Map:
			if err := assignMap(f, arg); err != nil {
				return nil, err
			}
		case reflect.Slice:
			if err := assignSlice(f, arg); err != nil {
				return nil, err
			}
		default:
			// A message struct field that is neither map nor slice failed to
			// convert; the vocabulary itself is wrong.
			panic(fmt.Sprintf("internal message field %d not recognized", i+1))
		}
	}
	return msg, nil
}

// msgToList converts a message to the wire list [type, field1, ...].
// Trailing fields tagged omitempty are dropped while empty.
func msgToList(msg wamp.Message) []interface{} {
	val := reflect.ValueOf(msg).Elem()

	last := val.Type().NumField() - 1
	for ; last > 0; last-- {
		tag := val.Type().Field(last).Tag.Get("wamp")
		if !strings.Contains(tag, "omitempty") || val.Field(last).Len() > 0 {
			break
		}
	}

	ret := make([]interface{}, last+2)
	ret[0] = int(msg.MessageType())
	for i := 0; i <= last; i++ {
		ret[i+1] = val.Field(i).Interface()
	}
	return ret
}

// convertType converts a value to the given type when necessary.  No-op if
// already assignable, error if not convertible.
func convertType(val reflect.Value, typ reflect.Type) (reflect.Value, error) {
	valType := val.Type()
	if !valType.AssignableTo(typ) {
		if !valType.ConvertibleTo(typ) {
			return val, fmt.Errorf("type %s not convertible to %s",
				valType.Kind(), typ.Kind())
		}
		return val.Convert(typ), nil
	}
	return val, nil
}

// assignMap copies the entries of src into dst, converting keys and values
// to dst's key and element types.
func assignMap(dst reflect.Value, src reflect.Value) error {
	dstKeyType := dst.Type().Key()
	dstValType := dst.Type().Elem()

	dst.Set(reflect.MakeMap(dst.Type()))
	for _, k := range src.MapKeys() {
		if k.Type().Kind() == reflect.Interface {
			k = k.Elem()
		}
		var err error
		if k, err = convertType(k, dstKeyType); err != nil {
			return fmt.Errorf("cannot convert src key '%v', invalid type: %s",
				k.Interface(), err)
		}
		v := src.MapIndex(k)
		if v, err = convertType(v, dstValType); err != nil {
			return fmt.Errorf(
				"cannot convert src value for key '%v', invalid type: %s",
				k.Interface(), err)
		}
		dst.SetMapIndex(k, v)
	}
	return nil
}

// assignSlice copies the elements of src into dst, converting each to dst's
// element type.
func assignSlice(dst reflect.Value, src reflect.Value) error {
	dst.Set(reflect.MakeSlice(dst.Type(), src.Len(), src.Len()))
	dstElemType := dst.Type().Elem()
	for i := 0; i < src.Len(); i++ {
		v, err := convertType(src.Index(i), dstElemType)
		if err != nil {
			return fmt.Errorf("cannot convert value at index %d: %s", i, err)
		}
		dst.Index(i).Set(v)
	}
	return nil
}
