// Package storage persists per service state (credentials, cookies, tokens
// and normalized subscription data) in a key/value store.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Storage is the key/value contract every backend implements. Values are JSON.
type Storage interface {
	// Get returns the stored value, or def encoded as JSON when the key is
	// missing. A missing key is never an error.
	Get(ctx context.Context, key string, def any) (json.RawMessage, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Kind names one of the values kept per service.
type Kind string

const (
	KindLogin   Kind = "login"
	KindCookies Kind = "cookies"
	KindAPI     Kind = "api"
	KindData    Kind = "data"
)

// Key builds "services/{id}/{kind}".
func Key(service string, kind Kind) string {
	return "services/" + service + "/" + string(kind)
}

// GetInto decodes the value at key into out. It reports false, leaving out
// untouched, when the key is missing.
func GetInto(ctx context.Context, s Storage, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, key, nil)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func encodeDefault(def any) (json.RawMessage, error) {
	if def == nil {
		return nil, nil
	}
	return encode(def)
}

func encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !codec.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return raw, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}
