// Package cast converts the any-typed tree produced by the bencode decoder
// into the concrete types the metainfo and tracker parsers expect.
package cast

import "fmt"

// ToBytes returns the raw bytes of a bencoded byte string.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	}
	return nil, fmt.Errorf("cast: %T is not a byte string", v)
}

func ToString(v any) (string, error) {
	b, err := ToBytes(v)
	return string(b), err
}

// ToInt widens a decoded integer to int64. The decoder produces int64
// natively; the other kinds cover values assembled by hand in tests.
func ToInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("cast: %T is not an integer", v)
}

func mapList[T any](v any, conv func(any) (T, error)) ([]T, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: %T is not a list", v)
	}

	out := make([]T, len(items))
	for i, it := range items {
		var err error
		if out[i], err = conv(it); err != nil {
			return nil, fmt.Errorf("cast: element %d: %w", i, err)
		}
	}
	return out, nil
}

// ToStringSlice converts a bencoded list of byte strings.
func ToStringSlice(v any) ([]string, error) { return mapList(v, ToString) }

// ToTieredStrings converts a bencoded list of lists of byte strings, the
// shape announce-list uses.
func ToTieredStrings(v any) ([][]string, error) { return mapList(v, ToStringSlice) }
