// Package partition maps record keys onto partition indexes.
//
// Hashers must be stable across processes and restarts: the same key and
// partition count always give the same index.
package partition

import (
	"errors"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"reflect"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Hasher reduces a key to 64 bits.
type Hasher interface {
	Name() string
	Sum64(key []byte) uint64
}

const (
	XXH3Name  = "xxh3"
	CRC32Name = "crc32"
	FNVName   = "fnv1a"
)

// XXH3 is the default hasher.
type XXH3 struct{}

func (XXH3) Name() string            { return XXH3Name }
func (XXH3) Sum64(key []byte) uint64 { return xxh3.Hash(key) }

// CRC32 uses the Castagnoli table.
type CRC32 struct{}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (CRC32) Name() string            { return CRC32Name }
func (CRC32) Sum64(key []byte) uint64 { return uint64(crc32.Checksum(key, castagnoli)) }

// FNV is 64-bit FNV-1a.
type FNV struct{}

func (FNV) Name() string { return FNVName }

func (FNV) Sum64(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return h.Sum64()
}

// Default returns the hasher used when a stream does not configure one.
func Default() Hasher { return XXH3{} }

// HasherByName resolves a built-in hasher.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", XXH3Name:
		return XXH3{}, nil
	case CRC32Name:
		return CRC32{}, nil
	case FNVName:
		return FNV{}, nil
	default:
		return nil, fmt.Errorf("partition: unknown hasher %q", name)
	}
}

// Index returns hash(key) mod count. count must be positive.
func Index(h Hasher, key string, count int) int {
	if count <= 1 {
		return 0
	}
	return int(h.Sum64([]byte(key)) % uint64(count))
}

// ErrNoField is returned when a record has no usable partition field.
var ErrNoField = errors.New("partition: field not found")

// FieldKey reads the named field of v as a partition key. Struct fields match
// by Go name or by json tag; maps with string keys match by key.
func FieldKey(v any, field string) (string, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return "", fmt.Errorf("%w: %q on nil value", ErrNoField, field)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			sf := rt.Field(i)
			if !sf.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
			if sf.Name == field || tag == field {
				return KeyString(rv.Field(i).Interface())
			}
		}
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			mv := rv.MapIndex(reflect.ValueOf(field).Convert(rv.Type().Key()))
			if mv.IsValid() {
				return KeyString(mv.Interface())
			}
		}
	}
	return "", fmt.Errorf("%w: %q in %T", ErrNoField, field, v)
}

// KeyString renders a key value in a canonical string form.
func KeyString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", fmt.Errorf("%w: nil key", ErrNoField)
	default:
		return fmt.Sprint(x), nil
	}
}
