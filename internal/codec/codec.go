// Package codec holds the payload serializers injected into notifiers and
// observers. The relay never looks inside payload bytes.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrDecode = errors.New("codec: decode failed")

// Codec converts values to and from frame payloads.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// JSON encodes values with encoding/json.
type JSON[T any] struct{}

func (JSON[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

// String passes UTF-8 text through unchanged.
type String struct{}

func (String) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Decode(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: payload is not valid utf-8", ErrDecode)
	}
	return string(b), nil
}

// Bytes passes payloads through untouched.
type Bytes struct{}

func (Bytes) Encode(v []byte) ([]byte, error) {
	return v, nil
}

func (Bytes) Decode(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
