package rabbit

import (
	"fmt"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/ugorji/go/codec"
)

// Serialization indicates the data serialization format used in a WAMP session
type Serialization int

const (
	// Use JSON-encoded strings as a payload.
	JSON Serialization = iota
	// Use msgpack-encoded strings as a payload.
	MSGPACK
)

// Serializer is the interface implemented by an object that can serialize and
// deserialize WAMP messages
type Serializer interface {
	Serialize(Message) ([]byte, error)
	Deserialize([]byte) (Message, error)
}

func omitEmpty(f reflect.StructField) bool {
	return strings.Contains(f.Tag.Get("wamp"), "omitempty")
}

// number of leading fields a message of this type must carry on the wire
func requiredFields(t reflect.Type) int {
	n := 0
	for i := 0; i < t.NumField(); i++ {
		if !omitEmpty(t.Field(i)) {
			n++
		}
	}
	return n
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// reads the leading type code, whichever number type the decoder produced
func messageType(v interface{}) (MessageType, error) {
	switch typ := v.(type) {
	case float64:
		return MessageType(typ), nil
	case int64:
		return MessageType(typ), nil
	case uint64:
		return MessageType(typ), nil
	default:
		return 0, fmt.Errorf("%w: unsupported message format: type code %v", ErrDecode, v)
	}
}

// applies a list of values from a WAMP message to a message type
func apply(msgType MessageType, arr []interface{}) (Message, error) {
	msg := msgType.New()
	if msg == nil {
		log().Error().Int("type", int(msgType)).Msg("unsupported message type")
		return nil, fmt.Errorf("%w: unsupported message type %d", ErrDecode, int(msgType))
	}
	val := reflect.ValueOf(msg)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if required := requiredFields(val.Type()); len(arr)-1 < required {
		return nil, fmt.Errorf("%w: %s needs %d fields, got %d", ErrDecode, msgType, required, len(arr)-1)
	}
	for i := 0; i < val.NumField() && i < len(arr)-1; i++ {
		f := val.Field(i)
		if arr[i+1] == nil {
			continue
		}
		arg := reflect.ValueOf(arr[i+1])
		if arg.Kind() == reflect.Ptr {
			arg = arg.Elem()
		}
		switch {
		case f.Kind() == reflect.String && arg.Kind() != reflect.String,
			isNumeric(f.Kind()) && !isNumeric(arg.Kind()):
			return nil, fmt.Errorf("%w: %dth field of %s not recognizable, got %s, expected %s",
				ErrDecode, i+1, msgType, arg.Type(), f.Type())
		case arg.Type().AssignableTo(f.Type()):
			f.Set(arg)
		case arg.Type().ConvertibleTo(f.Type()):
			f.Set(arg.Convert(f.Type()))
		case f.Type().Kind() != arg.Type().Kind():
			return nil, fmt.Errorf("%w: %dth field of %s not recognizable, got %s, expected %s",
				ErrDecode, i+1, msgType, arg.Type(), f.Type())
		case f.Type().Kind() == reflect.Map:
			if err := applyMap(f, arg); err != nil {
				return nil, fmt.Errorf("%w: %dth field of %s: %s", ErrDecode, i+1, msgType, err)
			}
		case f.Type().Kind() == reflect.Slice:
			if err := applySlice(f, arg); err != nil {
				return nil, fmt.Errorf("%w: %dth field of %s: %s", ErrDecode, i+1, msgType, err)
			}
		default:
			return nil, fmt.Errorf("%w: %dth field of %s not recognizable", ErrDecode, i+1, msgType)
		}
	}
	return msg, nil
}

// attempts to convert a value to another; is a no-op if it's already assignable to the type
func convert(val reflect.Value, typ reflect.Type) (reflect.Value, error) {
	if val.Kind() == reflect.Interface && !val.IsNil() && typ.Kind() != reflect.Interface {
		val = val.Elem()
	}
	valType := val.Type()
	if !valType.AssignableTo(typ) {
		if valType.ConvertibleTo(typ) {
			return val.Convert(typ), nil
		}
		return val, fmt.Errorf("type %s not convertible to %s", valType.Kind(), typ.Kind())
	}
	return val, nil
}

// re-initializes dst and moves all key/value pairs into dst, converting types as necessary
func applyMap(dst reflect.Value, src reflect.Value) error {
	dstKeyType := dst.Type().Key()
	dstValType := dst.Type().Elem()

	dst.Set(reflect.MakeMap(dst.Type()))
	for _, k := range src.MapKeys() {
		v := src.MapIndex(k)
		if k.Type().Kind() == reflect.Interface {
			k = k.Elem()
		}
		var err error
		if k, err = convert(k, dstKeyType); err != nil {
			return fmt.Errorf("key '%v' invalid type: %s", k.Interface(), err)
		}
		if v, err = convert(v, dstValType); err != nil {
			return fmt.Errorf("value for key '%v' invalid type: %s", k.Interface(), err)
		}
		dst.SetMapIndex(k, v)
	}
	return nil
}

// re-initializes dst and moves all values from src to dst, converting types as necessary
func applySlice(dst reflect.Value, src reflect.Value) error {
	dst.Set(reflect.MakeSlice(dst.Type(), src.Len(), src.Len()))
	dstElemType := dst.Type().Elem()
	for i := 0; i < src.Len(); i++ {
		v, err := convert(src.Index(i), dstElemType)
		if err != nil {
			return fmt.Errorf("invalid %dth value: %s", i, err)
		}
		dst.Index(i).Set(v)
	}
	return nil
}

// convert the message into a list of values, omitting trailing empty values.
// Positions before the last kept field are always written: nil dictionaries
// become {} and nil lists become [].
func toList(msg Message) []interface{} {
	val := reflect.ValueOf(msg)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	// iterate backwards until a non-empty or non-"omitempty" field is found
	last := val.Type().NumField() - 1
	for ; last > 0; last-- {
		if !omitEmpty(val.Type().Field(last)) || val.Field(last).Len() > 0 {
			break
		}
	}

	ret := []interface{}{int(msg.MessageType())}
	for i := 0; i <= last; i++ {
		f := val.Field(i)
		switch {
		case f.Kind() == reflect.Map && f.IsNil():
			ret = append(ret, map[string]interface{}{})
		case f.Kind() == reflect.Slice && f.IsNil():
			ret = append(ret, []interface{}{})
		default:
			ret = append(ret, f.Interface())
		}
	}
	return ret
}

// MessagePackSerializer is an implementation of Serializer that handles
// serializing and deserializing msgpack encoded payloads.
type MessagePackSerializer struct {
}

// shared by all msgpack sessions; handles are safe for concurrent use once configured
var mh = func() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	h.RawToString = true
	h.SignedInteger = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// Serialize encodes a Message into a msgpack payload.
func (s *MessagePackSerializer) Serialize(msg Message) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, mh).Encode(toList(msg)); err != nil {
		return nil, err
	}
	return b, nil
}

// Deserialize decodes a msgpack payload into a Message.
func (s *MessagePackSerializer) Deserialize(data []byte) (Message, error) {
	var arr []interface{}
	if err := codec.NewDecoderBytes(data, mh).Decode(&arr); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	} else if len(arr) == 0 {
		return nil, fmt.Errorf("%w: invalid message", ErrDecode)
	}

	msgType, err := messageType(arr[0])
	if err != nil {
		return nil, err
	}
	return apply(msgType, arr)
}

// JSONSerializer is an implementation of Serializer that handles serializing
// and deserializing JSON encoded payloads.
type JSONSerializer struct {
}

// Serialize marshals the payload into a message.
func (s *JSONSerializer) Serialize(msg Message) ([]byte, error) {
	return json.Marshal(toList(msg))
}

// Deserialize unmarshals the payload into a message.
func (s *JSONSerializer) Deserialize(data []byte) (Message, error) {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	} else if len(arr) == 0 {
		return nil, fmt.Errorf("%w: invalid message", ErrDecode)
	}

	msgType, err := messageType(arr[0])
	if err != nil {
		return nil, err
	}
	return apply(msgType, arr)
}

// NewSerializer returns the serializer for a serialization format.
func NewSerializer(s Serialization) (Serializer, error) {
	switch s {
	case JSON:
		return new(JSONSerializer), nil
	case MSGPACK:
		return new(MessagePackSerializer), nil
	default:
		return nil, fmt.Errorf("unsupported serialization: %v", s)
	}
}
