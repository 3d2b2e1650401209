// Package codec turns typed record values into bytes and back.
//
// A codec must be deterministic. Executors running an older build may decode
// records written by a newer one, so additive schema changes are the norm.
package codec

import (
	"errors"
	"fmt"

	"github.com/rzbill/runnel/internal/jsoncodec"
	"google.golang.org/protobuf/proto"
)

// Codec encodes and decodes record values.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// ErrUnsupportedType is returned when a codec cannot handle the value's type.
var ErrUnsupportedType = errors.New("codec: unsupported type")

const (
	JSONName  = "json"
	ProtoName = "proto"
	RawName   = "raw"
)

// ByName returns the built-in codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSONName:
		return JSON{}, nil
	case ProtoName:
		return Proto{}, nil
	case RawName:
		return Raw{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// JSON uses sonic in encoding/json compatible mode.
type JSON struct{}

func (JSON) Name() string                    { return JSONName }
func (JSON) Encode(v any) ([]byte, error)    { return jsoncodec.Marshal(v) }
func (JSON) Decode(data []byte, v any) error { return jsoncodec.Unmarshal(data, v) }

// Proto encodes proto.Message values with deterministic marshaling.
type Proto struct{}

func (Proto) Name() string { return ProtoName }

func (Proto) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (Proto) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.Unmarshal(data, m)
}

// Raw passes []byte and string values through untouched.
type Raw struct{}

func (Raw) Name() string { return RawName }

func (Raw) Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case *[]byte:
		return append([]byte(nil), (*x)...), nil
	case string:
		return []byte(x), nil
	case *string:
		return []byte(*x), nil
	default:
		return nil, fmt.Errorf("%w: raw codec takes []byte or string, got %T", ErrUnsupportedType, v)
	}
}

func (Raw) Decode(data []byte, v any) error {
	switch x := v.(type) {
	case *[]byte:
		*x = append((*x)[:0], data...)
	case *string:
		*x = string(data)
	default:
		return fmt.Errorf("%w: raw codec decodes into *[]byte or *string, got %T", ErrUnsupportedType, v)
	}
	return nil
}

// Passthrough handles payloads as raw bytes while reporting name, so tools
// that move bytes around can write records other clients decode with the
// named codec.
func Passthrough(name string) Codec {
	if name == "" {
		name = JSONName
	}
	return passthrough{name: name}
}

type passthrough struct {
	Raw
	name string
}

func (p passthrough) Name() string { return p.name }
