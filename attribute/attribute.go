// Copyright 2025 The grpclb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attribute provides a type-safe container for opaque metadata that
// a resolver attaches to backend addresses, such as a weight or a locality.
// The engine never interprets attributes; it only propagates them from the
// resolver to the subchannel for each address, so that pickers and policies
// written by users can consume them.
//
// Declare a strongly-typed key with [NewKey] and build values with the key's
// Value method:
//
//	var Weight = attribute.NewKey[float64]()
//
//	addr := resolver.Address{
//		HostPort:   "10.0.0.1:50051",
//		Attributes: attribute.NewValues(Weight.Value(2.5)),
//	}
package attribute

// Key is a distinct, typed attribute key. Keys are identified by pointer,
// so two keys created by separate NewKey calls never collide even when T is
// the same type.
type Key[T any] struct {
	// must be non-empty so distinct allocations have distinct addresses
	_ bool
}

// NewKey returns a new attribute key holding values of type T.
func NewKey[T any]() *Key[T] {
	return new(Key[T])
}

// Value pairs the key with a value, for use with NewValues.
func (k *Key[T]) Value(value T) Value {
	return Value{key: k, value: value}
}

// Value is a single keyed attribute value.
type Value struct {
	key, value any
}

// Values is an immutable collection of attribute values keyed by Key.
// The zero value is an empty collection.
type Values struct {
	data map[any]any
}

// NewValues builds a Values collection from the given values. Later values
// win when the same key appears more than once.
func NewValues(values ...Value) Values {
	data := make(map[any]any, len(values))
	for _, val := range values {
		data[val.key] = val.value
	}
	return Values{data: data}
}

// Len returns the number of attributes in the collection.
func (v Values) Len() int {
	return len(v.data)
}

// GetValue looks up the value for key. The second return value is false if
// the key is absent.
func GetValue[T any](values Values, key *Key[T]) (T, bool) {
	val, ok := values.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := val.(T)
	return typed, ok
}
