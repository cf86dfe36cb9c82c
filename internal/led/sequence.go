package led

import (
	"math"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidSequenceType is returned when a sequence is not a list of
	// colors.
	ErrInvalidSequenceType = errors.New("sequence is not a list")
	// ErrMalformedColorEntry is returned when a sequence entry does not have
	// exactly three 8-bit channel values.
	ErrMalformedColorEntry = errors.New("color entry must have exactly 3 channel values in 0..255")
)

// Sequence is an ordered pattern of colors painted along a chain. Its length
// is independent of the number of LEDs; shorter sequences are repeated.
type Sequence []RGBColor

// Clone returns a copy of the sequence.
func (s Sequence) Clone() Sequence {
	if s == nil {
		return nil
	}
	return append(Sequence(nil), s...)
}

// At returns the color for LED position i, wrapping around the sequence. It
// panics if the sequence is empty.
func (s Sequence) At(i int) RGBColor {
	return s[i%len(s)]
}

// ParseSequence converts a dynamically typed value, usually the result of
// decoding TOML or JSON, into a Sequence.
//
// The whole sequence is rejected if any entry is malformed; the returned
// error wraps ErrMalformedColorEntry and names the offending index. Values
// that are not lists at all return ErrInvalidSequenceType.
func ParseSequence(v any) (Sequence, error) {
	switch v := v.(type) {
	case Sequence:
		return v.Clone(), nil
	case []RGBColor:
		return Sequence(v).Clone(), nil
	case nil:
		return nil, errors.Wrap(ErrInvalidSequenceType, "got nil")
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Wrapf(ErrInvalidSequenceType, "got %T", v)
	}

	seq := make(Sequence, rv.Len())
	for i := range seq {
		c, err := ParseColor(rv.Index(i).Interface())
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", i)
		}
		seq[i] = c
	}

	return seq, nil
}

// ParseColor converts a single sequence entry into an RGBColor. Accepted
// forms are RGBColor, a #rrggbb string, or any slice or array holding exactly
// three integer channel values.
func ParseColor(v any) (RGBColor, error) {
	switch v := v.(type) {
	case RGBColor:
		return v, nil
	case [3]uint8:
		return RGBColor(v), nil
	case string:
		var c RGBColor
		if err := c.UnmarshalText([]byte(v)); err != nil {
			return RGBColor{}, errors.Wrap(ErrMalformedColorEntry, err.Error())
		}
		return c, nil
	case nil:
		return RGBColor{}, errors.Wrap(ErrMalformedColorEntry, "got nil")
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return RGBColor{}, errors.Wrapf(ErrMalformedColorEntry, "got %T", v)
	}
	if rv.Len() != 3 {
		return RGBColor{}, errors.Wrapf(ErrMalformedColorEntry, "got %d values", rv.Len())
	}

	var c RGBColor
	for i := range c {
		n, ok := channelValue(rv.Index(i))
		if !ok {
			return RGBColor{}, errors.Wrapf(ErrMalformedColorEntry,
				"channel %d is %v", i, rv.Index(i).Interface())
		}
		c[i] = n
	}

	return c, nil
}

func channelValue(v reflect.Value) (uint8, bool) {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return 0, false
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.Int()
		if n < 0 || n > math.MaxUint8 {
			return 0, false
		}
		return uint8(n), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := v.Uint()
		if n > math.MaxUint8 {
			return 0, false
		}
		return uint8(n), true
	case reflect.Float32, reflect.Float64:
		// JSON numbers decode as float64.
		f := v.Float()
		if f != math.Trunc(f) || f < 0 || f > math.MaxUint8 {
			return 0, false
		}
		return uint8(f), true
	default:
		return 0, false
	}
}
