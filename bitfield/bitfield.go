// Package bitfield packs and unpacks struct fields into integers.
// This is a simplified version based on golang.org/x/text/internal/gen/bitfield
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	NumBits uint
}

// field is one tagged struct field and its position in the packed word.
type field struct {
	index  int
	offset uint
	bits   uint
}

// layout parses the "bitfield" tags of t in declaration order.
func layout(t reflect.Type) ([]field, uint, error) {
	var fields []field
	var bitOffset uint

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("bitfield")
		if tag == "" {
			continue // Skip fields without bitfield tag
		}

		// Tag is ",bits" (the method-name prefix of x/text is not supported)
		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return nil, 0, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, f.Name)
		}
		if bits == 0 || bits > 64 {
			return nil, 0, fmt.Errorf("bitfield: field %s has invalid width %d", f.Name, bits)
		}

		fields = append(fields, field{index: i, offset: bitOffset, bits: bits})
		bitOffset += bits
	}
	return fields, bitOffset, nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (1 << bits) - 1
}

// Pack packs annotated bit ranges of struct x into an integer.
// Only fields that have a "bitfield" tag are compacted; the first tagged
// field lands in the least significant bits.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("Pack: expected struct, got %v", v.Kind())
	}

	fields, total, err := layout(v.Type())
	if err != nil {
		return 0, err
	}
	// Check if total bits exceed target size
	if c.NumBits > 0 && total > c.NumBits {
		return 0, fmt.Errorf("Pack: total bits %d exceeds NumBits %d", total, c.NumBits)
	}

	for _, f := range fields {
		fieldValue := v.Field(f.index)
		name := v.Type().Field(f.index).Name
		var fieldBits uint64

		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fieldValue.Int()
			if val < 0 {
				return 0, fmt.Errorf("Pack: negative value %d for field %s", val, name)
			}
			fieldBits = uint64(val)
		default:
			return 0, fmt.Errorf("Pack: unsupported field type %v for field %s", fieldValue.Kind(), name)
		}

		// Check if value fits in bits
		if fieldBits > mask(f.bits) {
			return 0, fmt.Errorf("Pack: value %d exceeds %d bits for field %s", fieldBits, f.bits, name)
		}

		packed |= fieldBits << f.offset
	}

	return packed, nil
}

// Unpack is the inverse of Pack: it scatters packed into the tagged fields of
// the struct pointed to by ptr. Bits beyond the tagged layout are ignored.
func Unpack(packed uint64, ptr interface{}) error {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("Unpack: expected pointer to struct, got %T", ptr)
	}
	v = v.Elem()

	fields, _, err := layout(v.Type())
	if err != nil {
		return err
	}

	for _, f := range fields {
		bits := (packed >> f.offset) & mask(f.bits)
		fieldValue := v.Field(f.index)

		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fieldValue.SetInt(int64(bits))
		default:
			return fmt.Errorf("Unpack: unsupported field type %v for field %s",
				fieldValue.Kind(), v.Type().Field(f.index).Name)
		}
	}
	return nil
}
