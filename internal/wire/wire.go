// Package wire implements the binary frame codec used on every roomhub
// socket. A frame is an ordered tuple of arbitrary values encoded as a
// single CBOR array; the gateway never interprets tuple elements beyond
// the leading protocol tags.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: nil, // map[any]any
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building decode mode: %v", err))
	}
}

// ErrTrailingData indicates a frame carried bytes after the tuple.
var ErrTrailingData = errors.New("wire: trailing data after tuple")

// Marshal encodes the given values as one binary frame.
//
// Postcondition: Returns a non-empty frame, or an error if any value is
// not representable (channels, funcs, cyclic structures).
func Marshal(values ...any) ([]byte, error) {
	if values == nil {
		values = []any{}
	}
	data, err := encMode.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding tuple: %w", err)
	}
	return data, nil
}

// Unmarshal decodes exactly one tuple from data.
//
// Postcondition: Returns the decoded values (possibly empty, never nil on
// success), or an error for non-tuple payloads or trailing bytes.
func Unmarshal(data []byte) ([]any, error) {
	var values []any
	rest, err := decMode.UnmarshalFirst(data, &values)
	if err != nil {
		return nil, fmt.Errorf("wire: decoding tuple: %w", err)
	}
	if len(rest) > 0 {
		return nil, ErrTrailingData
	}
	if values == nil {
		return nil, errors.New("wire: payload is not a tuple")
	}
	return values, nil
}

// Int64 extracts an integer from a decoded tuple element. CBOR decodes
// whole numbers as uint64, int64 or float64 depending on sign and encoder;
// all three are accepted as long as the value fits without truncation.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n > 1<<62 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// String extracts a string tuple element.
func String(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Int64List extracts a list of integers from a tuple element that may be
// either a single number or an array of numbers. A non-numeric element
// fails the whole list.
func Int64List(v any) ([]int64, bool) {
	if n, ok := Int64(v); ok {
		return []int64{n}, true
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		n, ok := Int64(item)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
