/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package util

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 32,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// MarshalCBOR encodes v with the core deterministic encoding.
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes data into v, rejecting duplicate map keys.
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RenderCBORPretty decodes data and renders it as indented JSON, for
// debug logging of persisted records.
func RenderCBORPretty(data []byte) (string, error) {
	var decoded any
	if err := decMode.Unmarshal(data, &decoded); err != nil {
		return "", err
	}
	pretty, err := json.MarshalIndent(jsonable(decoded), "", "  ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

// jsonable rewrites the generic CBOR decoding into values encoding/json
// accepts: map keys become strings, byte strings become h'..' and tags
// keep their number next to the content.
func jsonable(value any) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = jsonable(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = jsonable(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[keyString(k)] = jsonable(elem)
		}
		return out
	case []byte:
		return fmt.Sprintf("h'%x'", v)
	case cbor.Tag:
		return map[string]any{"_cborTag": v.Number, "content": jsonable(v.Content)}
	default:
		return v
	}
}

func keyString(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return fmt.Sprintf("h'%x'", k)
	default:
		return fmt.Sprint(k)
	}
}
