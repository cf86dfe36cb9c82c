// Package led contains the color and sequence model for an LED chain.
package led

import (
	"encoding"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// RGBColor is a color with one byte per channel, in red, green, blue order.
type RGBColor [3]uint8

var (
	_ encoding.TextUnmarshaler = (*RGBColor)(nil)
	_ encoding.TextMarshaler   = RGBColor{}
)

// RGB returns a new RGBColor.
func RGB(r, g, b uint8) RGBColor {
	return RGBColor{r, g, b}
}

// R returns the red channel.
func (c RGBColor) R() uint8 { return c[0] }

// G returns the green channel.
func (c RGBColor) G() uint8 { return c[1] }

// B returns the blue channel.
func (c RGBColor) B() uint8 { return c[2] }

// String returns the color in #rrggbb form.
func (c RGBColor) String() string {
	return "#" + hex.EncodeToString(c[:])
}

// MarshalText implements encoding.TextMarshaler.
func (c RGBColor) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts #rrggbb with
// or without the leading hash.
func (c *RGBColor) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(string(text), "#")
	if len(s) != 6 {
		return fmt.Errorf("invalid color %q: expected #rrggbb", text)
	}

	var v RGBColor
	if _, err := hex.Decode(v[:], []byte(s)); err != nil {
		return errors.Wrapf(err, "invalid color %q", text)
	}

	*c = v
	return nil
}
