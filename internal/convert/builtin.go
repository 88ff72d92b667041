package convert

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

func registerBuiltins(r *Registry) {
	r.Register("base64", func(map[string]string) (Converter, error) {
		return simple{"base64", func(s string) string {
			return base64.StdEncoding.EncodeToString([]byte(s))
		}}, nil
	})
	r.Register("rot13", func(map[string]string) (Converter, error) {
		return simple{"rot13", rot13}, nil
	})
	r.Register("leetspeak", func(map[string]string) (Converter, error) {
		return simple{"leetspeak", leetspeak}, nil
	})
	r.Register("fullwidth", func(map[string]string) (Converter, error) {
		return simple{"fullwidth", fullwidth}, nil
	})
	r.Register("uppercase", func(map[string]string) (Converter, error) {
		return simple{"uppercase", strings.ToUpper}, nil
	})
	r.Register("prefix", newAffix("prefix"))
	r.Register("suffix", newAffix("suffix"))
	r.Register("charswap", newCharswap)
}

// simple wraps a total string function as a converter.
type simple struct {
	name string
	fn   func(string) string
}

func (s simple) Name() string { return s.name }

func (s simple) Convert(t string) (string, error) { return s.fn(t), nil }

func newAffix(kind string) Factory {
	return func(params map[string]string) (Converter, error) {
		text, ok := params["text"]
		if !ok || text == "" {
			return nil, fmt.Errorf("param %q is required", "text")
		}
		if kind == "prefix" {
			return simple{"prefix", func(s string) string { return text + s }}, nil
		}
		return simple{"suffix", func(s string) string { return s + text }}, nil
	}
}

// newCharswap swaps each n-th adjacent rune pair. Deterministic so converted
// prompts are reproducible across replays.
func newCharswap(params map[string]string) (Converter, error) {
	every := 4
	if v, ok := params["every"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			return nil, fmt.Errorf("param %q must be an integer >= 2", "every")
		}
		every = n
	}
	return simple{"charswap", func(s string) string {
		runes := []rune(s)
		for i := every - 1; i+1 < len(runes); i += every {
			runes[i], runes[i+1] = runes[i+1], runes[i]
		}
		return string(runes)
	}}, nil
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}

var leetMap = map[rune]rune{
	'a': '4', 'e': '3', 'i': '1', 'o': '0', 's': '5', 't': '7',
	'A': '4', 'E': '3', 'I': '1', 'O': '0', 'S': '5', 'T': '7',
}

func leetspeak(s string) string {
	return strings.Map(func(r rune) rune {
		if v, ok := leetMap[r]; ok {
			return v
		}
		return r
	}, s)
}

// fullwidth maps printable ASCII to the Unicode fullwidth block, a common
// filter-evasion transform.
func fullwidth(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' {
			return '　'
		}
		if r > ' ' && r <= '~' {
			return r - '!' + '！'
		}
		return r
	}, s)
}
