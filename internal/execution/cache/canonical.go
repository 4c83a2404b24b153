package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// maxDepth bounds nesting so self-referencing values fail instead of
// recursing forever.
const maxDepth = 64

var errTooDeep = errors.New("value nested too deeply")

// canonicalArgs renders arguments in declared order. Every value is written
// together with its dynamic Go type, and struct fields are walked whether or
// not they are exported, so two arguments encode alike only when they are
// equal values of the same type. Map entries are ordered by encoded key.
func canonicalArgs(in domain.StepInput) ([]byte, error) {
	names := in.Names()
	values := in.Values()
	enc := &canonicalEncoder{}
	for i, name := range names {
		enc.str(name)
		if err := enc.value(reflect.ValueOf(values[i]), 0); err != nil {
			return nil, fmt.Errorf("encode argument %q: %w", name, err)
		}
	}
	return enc.buf.Bytes(), nil
}

type canonicalEncoder struct {
	buf bytes.Buffer
}

func (e *canonicalEncoder) putUint(n uint64) {
	var scratch [binary.MaxVarintLen64]byte
	e.buf.Write(scratch[:binary.PutUvarint(scratch[:], n)])
}

func (e *canonicalEncoder) putInt(n int64) {
	var scratch [binary.MaxVarintLen64]byte
	e.buf.Write(scratch[:binary.PutVarint(scratch[:], n)])
}

func (e *canonicalEncoder) str(s string) {
	e.putUint(uint64(len(s)))
	e.buf.WriteString(s)
}

func (e *canonicalEncoder) putFloat(f float64) {
	e.putUint(math.Float64bits(f))
}

func typeName(t reflect.Type) string {
	if pkg := t.PkgPath(); pkg != "" {
		return pkg + "." + t.String()
	}
	return t.String()
}

func (e *canonicalEncoder) value(v reflect.Value, depth int) error {
	if depth > maxDepth {
		return errTooDeep
	}
	if !v.IsValid() {
		e.str("<nil>")
		return nil
	}
	e.str(typeName(v.Type()))

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteByte(1)
		} else {
			e.buf.WriteByte(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.putInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.putUint(v.Uint())
	case reflect.Float32, reflect.Float64:
		e.putFloat(v.Float())
	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		e.putFloat(real(c))
		e.putFloat(imag(c))
	case reflect.String:
		e.str(v.String())
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			e.buf.WriteByte(0)
			return nil
		}
		e.buf.WriteByte(1)
		return e.value(v.Elem(), depth+1)
	case reflect.Slice:
		if v.IsNil() {
			e.buf.WriteByte(0)
			return nil
		}
		e.buf.WriteByte(1)
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := v.Bytes()
			e.putUint(uint64(len(b)))
			e.buf.Write(b)
			return nil
		}
		return e.sequence(v, depth)
	case reflect.Array:
		return e.sequence(v, depth)
	case reflect.Map:
		if v.IsNil() {
			e.buf.WriteByte(0)
			return nil
		}
		e.buf.WriteByte(1)
		return e.mapEntries(v, depth)
	case reflect.Struct:
		t := v.Type()
		e.putUint(uint64(v.NumField()))
		for i := 0; i < v.NumField(); i++ {
			e.str(t.Field(i).Name)
			if err := e.value(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s values have no canonical form", v.Kind())
	}
	return nil
}

func (e *canonicalEncoder) sequence(v reflect.Value, depth int) error {
	e.putUint(uint64(v.Len()))
	for i := 0; i < v.Len(); i++ {
		if err := e.value(v.Index(i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *canonicalEncoder) mapEntries(v reflect.Value, depth int) error {
	type entry struct {
		key, value []byte
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		var key, value canonicalEncoder
		if err := key.value(iter.Key(), depth+1); err != nil {
			return err
		}
		if err := value.value(iter.Value(), depth+1); err != nil {
			return err
		}
		entries = append(entries, entry{key: key.buf.Bytes(), value: value.buf.Bytes()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	e.putUint(uint64(len(entries)))
	for _, en := range entries {
		e.putUint(uint64(len(en.key)))
		e.buf.Write(en.key)
		e.putUint(uint64(len(en.value)))
		e.buf.Write(en.value)
	}
	return nil
}
