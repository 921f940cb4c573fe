package patterns

import (
	"fmt"
	"strings"
)

// Kind identifies which extraction path produced an endpoint.
type Kind int

const (
	KindUnknown Kind = iota
	KindAbsolute
	KindRelative
	KindTemplate
	KindConcatenated
	KindManual
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindAbsolute:
		return "absolute"
	case KindRelative:
		return "relative"
	case KindTemplate:
		return "template"
	case KindConcatenated:
		return "concatenated"
	case KindManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseKind parses a kind name. Upper-case names and the short form
// "concat" written by older exports are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "absolute":
		return KindAbsolute, nil
	case "relative":
		return KindRelative, nil
	case "template":
		return KindTemplate, nil
	case "concatenated", "concat":
		return KindConcatenated, nil
	case "manual":
		return KindManual, nil
	case "", "unknown":
		return KindUnknown, nil
	}
	return KindUnknown, fmt.Errorf("unknown endpoint kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode
// to KindUnknown so that a foreign snapshot never fails to load.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		*k = KindUnknown
		return nil
	}
	*k = parsed
	return nil
}
