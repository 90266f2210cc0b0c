package socket

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical values are what both adapters traffic in: the result of decoding
// JSON with json.Number preserved. The remote adapter gets them for free by
// decoding response bodies; the local adapter normalizes caller input and
// stored payloads through these helpers so results stay deep-equal across
// adapters.

// NormalizeValue converts any JSON-marshalable value into canonical form.
func NormalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := decodeCanonical(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeData converts a document payload into canonical form.
func NormalizeData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("normalize data: %w", err)
	}
	return DecodeData(raw)
}

// EncodeData serializes a canonical payload for storage.
func EncodeData(data map[string]any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// DecodeData deserializes a stored payload into canonical form.
func DecodeData(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := decodeCanonical(raw, &data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return data, nil
}

func decodeCanonical(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}
