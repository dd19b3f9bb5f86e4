package client

import (
	"reflect"
	"testing"

	"github.com/capserve/capserve/internal/registry"
)

func TestFormatCapability(t *testing.T) {
	c, err := registry.NewCapability(map[string]any{
		"type": "chat",
		"ctx":  8192,
		"gpu":  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Keys come out sorted, values in their wire spelling.
	if got := FormatCapability(c); got != "ctx=8192;gpu=true;type=chat" {
		t.Errorf("FormatCapability = %q", got)
	}
}

// The client's value formatting and the wire-side parsing must agree, or a
// replica would register under attributes no query can match.
func TestFormatParseAgree(t *testing.T) {
	c, err := registry.NewCapability(map[string]any{
		"type":  "embed",
		"dim":   1024,
		"local": false,
	})
	if err != nil {
		t.Fatal(err)
	}

	parsed := make(map[string]any)
	for _, kv := range FormatQuery(c) {
		var k, v string
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				k, v = kv[:i], kv[i+1:]
				break
			}
		}
		parsed[k] = registry.ParseValue(v)
	}

	back, err := registry.NewCapability(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(map[string]any(back), map[string]any(c)) {
		t.Errorf("round trip changed capability: %v -> %v", c, back)
	}
}
