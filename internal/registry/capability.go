package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Capability is an attribute set a replica declares it can serve, mapping
// attribute names to scalar values (string, int64, or bool). Immutable once
// built with NewCapability; callers must not mutate it afterwards.
type Capability map[string]any

// NewCapability normalizes attrs into a Capability. Integer values of any
// width become int64 so equality behaves across encodings; anything but
// string, integer, or bool is rejected.
func NewCapability(attrs map[string]any) (Capability, error) {
	c := make(Capability, len(attrs))
	for k, v := range attrs {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("capability attribute %q: %w", k, err)
		}
		c[k] = nv
	}
	return c, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ParseValue interprets a wire attribute string as bool, then integer, then
// string. Capability queries travel as flat key/value string pairs, so both
// ends must agree on this interpretation.
func ParseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// Matches reports whether query is a subset of c: every key in query must be
// present in c with an equal value. Extra keys in c are ignored; an empty
// query matches everything.
func (c Capability) Matches(query Capability) bool {
	for k, qv := range query {
		cv, ok := c[k]
		if !ok || cv != qv {
			return false
		}
	}
	return true
}

// Fingerprint returns a canonical encoding of the capability, stable across
// attribute insertion order, usable as an index key. Values carry a type tag
// so the string "1" and the integer 1 index differently.
func (c Capability) Fingerprint() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		switch v := c[k].(type) {
		case string:
			b.WriteString("s:")
			b.WriteString(v)
		case int64:
			b.WriteString("i:")
			b.WriteString(strconv.FormatInt(v, 10))
		case bool:
			b.WriteString("b:")
			b.WriteString(strconv.FormatBool(v))
		}
	}
	return b.String()
}

func (c Capability) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, c[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
