// Package channel defines the release tracks an application can be published
// under and the single priority order every resolution policy iterates.
package channel

import (
	"fmt"
	"strings"
)

// Channel identifies a release track. The zero value is not a valid channel.
type Channel uint8

const (
	Stable Channel = iota + 1
	Beta
	Alpha
)

// priority is the fixed fallback order. Adding a channel means adding it here
// and to names.
var priority = [...]Channel{Stable, Beta, Alpha}

var names = map[Channel]string{
	Stable: "stable",
	Beta:   "beta",
	Alpha:  "alpha",
}

// InvalidChannelError reports an identifier that does not name a channel.
type InvalidChannelError struct {
	Value string
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("invalid channel %q: expected one of stable, beta, alpha", e.Value)
}

// Parse maps an identifier onto a channel. Matching is ASCII
// case-insensitive over the whole string; surrounding whitespace is not
// trimmed.
func Parse(value string) (Channel, error) {
	for _, ch := range priority {
		if strings.EqualFold(value, names[ch]) {
			return ch, nil
		}
	}
	return 0, &InvalidChannelError{Value: value}
}

// All returns every channel in fallback priority order.
func All() []Channel {
	out := make([]Channel, len(priority))
	copy(out, priority[:])
	return out
}

// FallbackOrder returns the order in which channels are tried when the caller
// asked for requested: requested first, then the rest in priority order.
func FallbackOrder(requested Channel) []Channel {
	out := make([]Channel, 0, len(priority))
	if requested.Valid() {
		out = append(out, requested)
	}
	for _, ch := range priority {
		if ch != requested {
			out = append(out, ch)
		}
	}
	return out
}

// Valid reports whether c is one of the defined channels.
func (c Channel) Valid() bool {
	_, ok := names[c]
	return ok
}

// String returns the canonical lowercase name.
func (c Channel) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// DisplayName returns the capitalised name used in filenames.
func (c Channel) DisplayName() string {
	name, ok := names[c]
	if !ok {
		return c.String()
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// MarshalText encodes the canonical name so channels can key JSON objects.
func (c Channel) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("marshal %s: not a valid channel", c.String())
	}
	return []byte(c.String()), nil
}

// UnmarshalText parses the canonical name.
func (c *Channel) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
