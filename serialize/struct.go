// Copyright (C) 2024 dflow authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package serialize

import (
	"fmt"
	"io"
	"reflect"
)

// fieldCodec type-erases a Codec[F] down to reflect.Value operations so
// StructCodec can drive an arbitrary sequence of them.
type fieldCodec struct {
	name      string
	index     int
	serialize func(io.Writer, reflect.Value) error
	// deserialize reads a value and stores it into dst (which must be
	// addressable and settable).
	deserialize func(ByteSource, reflect.Value) error
	fixedSize   int // 0 if not fixed
}

// StructCodec builds a Codec[T] for a struct type T by serializing its
// exported fields in declaration order, one built-in Codec per field. This
// is the "generic struct support (field-by-field)" fallback spec §9 asks
// for, used for any T that isn't covered by a specific built-in codec.
//
// Only exported fields whose type matches one of Uint64/Int64/Uint32/Int32/
// Float64/String/Bytes are supported; any other exported field type makes
// StructCodec return an error.
func StructCodec[T any]() (Codec[T], error) {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil || rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("serialize: StructCodec requires a struct type, got %T", zero)
	}
	fcs := make([]fieldCodec, 0, rt.NumField())
	fixed := true
	fixedSize := 0
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		fc, err := fieldCodecFor(f.Name, f.Type)
		if err != nil {
			return nil, fmt.Errorf("serialize: field %s.%s: %w", rt.Name(), f.Name, err)
		}
		fc.index = i
		fcs = append(fcs, fc)
		if fc.fixedSize == 0 {
			fixed = false
		} else {
			fixedSize += fc.fixedSize
		}
	}
	return &structCodec[T]{rt: rt, fields: fcs, fixed: fixed, fixedSize: fixedSize}, nil
}

func fieldCodecFor(name string, t reflect.Type) (fieldCodec, error) {
	switch t.Kind() {
	case reflect.Uint64:
		return fieldCodec{
			name: name,
			serialize: func(w io.Writer, v reflect.Value) error {
				return Uint64.Serialize(w, v.Uint())
			},
			deserialize: func(r ByteSource, v reflect.Value) error {
				x, err := Uint64.Deserialize(r)
				if err == nil {
					v.SetUint(x)
				}
				return err
			},
			fixedSize: 8,
		}, nil
	case reflect.Int64:
		return fieldCodec{
			name: name,
			serialize: func(w io.Writer, v reflect.Value) error {
				return Int64.Serialize(w, v.Int())
			},
			deserialize: func(r ByteSource, v reflect.Value) error {
				x, err := Int64.Deserialize(r)
				if err == nil {
					v.SetInt(x)
				}
				return err
			},
			fixedSize: 8,
		}, nil
	case reflect.Uint32:
		return fieldCodec{
			name: name,
			serialize: func(w io.Writer, v reflect.Value) error {
				return Uint32.Serialize(w, uint32(v.Uint()))
			},
			deserialize: func(r ByteSource, v reflect.Value) error {
				x, err := Uint32.Deserialize(r)
				if err == nil {
					v.SetUint(uint64(x))
				}
				return err
			},
			fixedSize: 4,
		}, nil
	case reflect.Int32:
		return fieldCodec{
			name: name,
			serialize: func(w io.Writer, v reflect.Value) error {
				return Int32.Serialize(w, int32(v.Int()))
			},
			deserialize: func(r ByteSource, v reflect.Value) error {
				x, err := Int32.Deserialize(r)
				if err == nil {
					v.SetInt(int64(x))
				}
				return err
			},
			fixedSize: 4,
		}, nil
	case reflect.Float64:
		return fieldCodec{
			name: name,
			serialize: func(w io.Writer, v reflect.Value) error {
				return Float64.Serialize(w, v.Float())
			},
			deserialize: func(r ByteSource, v reflect.Value) error {
				x, err := Float64.Deserialize(r)
				if err == nil {
					v.SetFloat(x)
				}
				return err
			},
			fixedSize: 8,
		}, nil
	case reflect.String:
		return fieldCodec{
			name: name,
			serialize: func(w io.Writer, v reflect.Value) error {
				return String.Serialize(w, v.String())
			},
			deserialize: func(r ByteSource, v reflect.Value) error {
				x, err := String.Deserialize(r)
				if err == nil {
					v.SetString(x)
				}
				return err
			},
			fixedSize: 0,
		}, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return fieldCodec{
				name: name,
				serialize: func(w io.Writer, v reflect.Value) error {
					return Bytes.Serialize(w, v.Bytes())
				},
				deserialize: func(r ByteSource, v reflect.Value) error {
					x, err := Bytes.Deserialize(r)
					if err == nil {
						v.SetBytes(x)
					}
					return err
				},
				fixedSize: 0,
			}, nil
		}
	}
	return fieldCodec{}, fmt.Errorf("unsupported field type %s", t)
}

type structCodec[T any] struct {
	rt        reflect.Type
	fields    []fieldCodec
	fixed     bool
	fixedSize int
}

func (c *structCodec[T]) Serialize(dst io.Writer, v T) error {
	rv := reflect.ValueOf(v)
	for _, f := range c.fields {
		if err := f.serialize(dst, rv.Field(f.index)); err != nil {
			return fmt.Errorf("serialize: field %s: %w", f.name, err)
		}
	}
	return nil
}

func (c *structCodec[T]) Deserialize(src ByteSource) (T, error) {
	var out T
	rv := reflect.ValueOf(&out).Elem()
	for _, f := range c.fields {
		if err := f.deserialize(src, rv.Field(f.index)); err != nil {
			var zero T
			return zero, fmt.Errorf("serialize: field %s: %w", f.name, err)
		}
	}
	return out, nil
}

func (c *structCodec[T]) IsFixedSize() bool { return c.fixed }
func (c *structCodec[T]) FixedSize() int    { return c.fixedSize }
