// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package yamlmerge implements the recursive default-merge rules used to
// combine a recipe's defaults/global_defaults with a per-package pkginfo
// section: colliding maps merge field-by-field, colliding sequences
// concatenate, and any other collision is resolved by the second value
// taking precedence.
package yamlmerge

import "github.com/pkg/errors"

// Value is the sum type produced by decoding a YAML document: a Scalar
// (string, number, bool, nil), a Seq ([]Value), or a Map (map[string]Value).
type Value any

// Merge recursively merges dict2 into dict1:
//
//   - if both keys hold maps, merge recursively;
//   - if both keys hold sequences, concatenate dict1's then dict2's;
//   - otherwise dict2's value wins when overwrite is true, else Merge
//     returns an error identifying the conflicting key path.
func Merge(dict1, dict2 map[string]Value, overwrite bool) (map[string]Value, error) {
	return mergeAt(dict1, dict2, "", overwrite)
}

func mergeAt(dict1, dict2 map[string]Value, depth string, overwrite bool) (map[string]Value, error) {
	out := make(map[string]Value, len(dict1)+len(dict2))
	seen := make(map[string]struct{}, len(dict1)+len(dict2))
	for k := range dict1 {
		seen[k] = struct{}{}
	}
	for k := range dict2 {
		seen[k] = struct{}{}
	}
	for key := range seen {
		v1, in1 := dict1[key]
		v2, in2 := dict2[key]
		switch {
		case in1 && in2:
			m1, ok1 := v1.(map[string]Value)
			m2, ok2 := v2.(map[string]Value)
			if ok1 && ok2 {
				merged, err := mergeAt(m1, m2, depth+key+".", overwrite)
				if err != nil {
					return nil, err
				}
				out[key] = merged
				continue
			}
			s1, ok1 := v1.([]Value)
			s2, ok2 := v2.([]Value)
			if ok1 && ok2 {
				combined := make([]Value, 0, len(s1)+len(s2))
				combined = append(combined, s1...)
				combined = append(combined, s2...)
				out[key] = combined
				continue
			}
			if overwrite {
				out[key] = v2
			} else {
				return nil, errors.Errorf("yamlmerge: key %q%s is not mergeable between differing types", depth, key)
			}
		case in1:
			out[key] = v1
		case in2:
			out[key] = v2
		}
	}
	return out, nil
}

// FromAny converts a value decoded by gopkg.in/yaml.v3 into map[string]any
// (map[string]interface{}/[]interface{}) into the Value sum type used by
// Merge, normalizing map[any]any into map[string]Value recursively.
func FromAny(v any) Value {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, val := range t {
			out[k] = FromAny(val)
		}
		return out
	case map[any]any:
		out := make(map[string]Value, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = FromAny(val)
		}
		return out
	case []any:
		out := make([]Value, len(t))
		for i, val := range t {
			out[i] = FromAny(val)
		}
		return out
	default:
		return t
	}
}

// ToMap asserts v is a map[string]Value, as produced by FromAny on a YAML
// mapping document, returning an empty map if v is nil.
func ToMap(v Value) map[string]Value {
	if v == nil {
		return map[string]Value{}
	}
	if m, ok := v.(map[string]Value); ok {
		return m
	}
	return map[string]Value{}
}
