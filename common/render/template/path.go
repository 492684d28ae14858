package template

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Segment is one step of a variable path: a map key or a list index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsePath parses dotted and bracketed paths such as
// payload.items[0].name or subscriber["first name"].
func ParsePath(s string) ([]Segment, error) {
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segs []Segment
	i := 0
	expectKey := true
	for i < len(s) {
		switch c := s[i]; {
		case c == '.':
			if expectKey {
				return nil, fmt.Errorf("unexpected '.' at offset %d", i)
			}
			expectKey = true
			i++
		case c == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '[' at offset %d", i)
			}
			inner := strings.TrimSpace(s[i+1 : i+end])
			seg, err := bracketSegment(inner)
			if err != nil {
				return nil, err
			}
			if expectKey && len(segs) > 0 {
				return nil, fmt.Errorf("unexpected '[' after '.' at offset %d", i)
			}
			segs = append(segs, seg)
			expectKey = false
			i += end + 1
		default:
			if !expectKey {
				return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			j := i
			for j < len(s) && s[j] != '.' && s[j] != '[' {
				j++
			}
			key := s[i:j]
			if !validIdent(key) {
				return nil, fmt.Errorf("invalid name %q", key)
			}
			segs = append(segs, Segment{Key: key})
			expectKey = false
			i = j
		}
	}
	if expectKey {
		return nil, fmt.Errorf("path ends with '.'")
	}
	return segs, nil
}

func bracketSegment(inner string) (Segment, error) {
	if n := len(inner); n >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[n-1] == inner[0] {
		return Segment{Key: inner[1 : n-1]}, nil
	}
	idx, err := strconv.Atoi(inner)
	if err != nil {
		return Segment{}, fmt.Errorf("invalid index %q", inner)
	}
	return Segment{Index: idx, IsIndex: true}, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r > 127:
		default:
			return false
		}
	}
	return true
}

// Lookup walks path through vars. It reports false when any step is missing.
// Negative indexes count from the end of a list.
func Lookup(vars map[string]any, path []Segment) (any, bool) {
	var cur any = vars
	for _, seg := range path {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, seg Segment) (any, bool) {
	switch t := cur.(type) {
	case map[string]any:
		if seg.IsIndex {
			v, ok := t[strconv.Itoa(seg.Index)]
			return v, ok
		}
		v, ok := t[seg.Key]
		if !ok && seg.Key == "size" {
			return len(t), true
		}
		return v, ok
	case []any:
		if !seg.IsIndex {
			return property(t, seg.Key)
		}
		return index(t, seg.Index)
	case string:
		if seg.Key == "size" {
			return utf8.RuneCountInString(t), true
		}
		return nil, false
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key := seg.Key
		if seg.IsIndex {
			key = strconv.Itoa(seg.Index)
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		list := make([]any, rv.Len())
		for i := range list {
			list[i] = rv.Index(i).Interface()
		}
		if !seg.IsIndex {
			return property(list, seg.Key)
		}
		return index(list, seg.Index)
	}
	return nil, false
}

func index(list []any, i int) (any, bool) {
	if i < 0 {
		i += len(list)
	}
	if i < 0 || i >= len(list) {
		return nil, false
	}
	return list[i], true
}

// property resolves the Liquid list properties size, first and last.
func property(list []any, key string) (any, bool) {
	switch key {
	case "size":
		return len(list), true
	case "first":
		return index(list, 0)
	case "last":
		return index(list, -1)
	}
	return nil, false
}
