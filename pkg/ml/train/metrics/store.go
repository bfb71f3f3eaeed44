// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Owner identifies the producer of metrics in a Store. Each metric callback creates its own Owner.
//
// Two owners created with the same name are still different owners.
type Owner struct {
	name string
	id   uuid.UUID
}

// NewOwner creates a new unique Owner. The name is used in error messages.
func NewOwner(name string) *Owner {
	return &Owner{name: name, id: uuid.New()}
}

// Name of the owner.
func (o *Owner) Name() string { return o.name }

// String implements fmt.Stringer.
func (o *Owner) String() string {
	if o == nil {
		return "<nil owner>"
	}
	return fmt.Sprintf("%s[%s]", o.name, o.id.String()[:8])
}

// KeyOwnershipError is returned when an owner tries to modify a key claimed by another owner.
type KeyOwnershipError struct {
	Key             string
	Owner, Claimant *Owner
}

// Error implements error.
func (e *KeyOwnershipError) Error() string {
	return fmt.Sprintf("metric %q is owned by %s, it can't be modified by %s", e.Key, e.Owner, e.Claimant)
}

// Store holds the metrics of a training run, keyed by name, in insertion order.
//
// Overwriting a key keeps its position, deleting and setting it again moves it to the end.
//
// Each key is owned by the first Owner that sets it: from then on only that owner can set or delete it.
// Ownership survives deletion.
//
// Store is not safe for concurrent use: it is meant to be accessed by callbacks dispatched sequentially.
type Store struct {
	keys   []string
	values map[string]Value
	owners map[string]*Owner
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		values: make(map[string]Value),
		owners: make(map[string]*Owner),
	}
}

// claim checks that owner can modify key, and claims it if it's not yet owned.
func (s *Store) claim(owner *Owner, key string) error {
	if owner == nil {
		return errors.Errorf("metric %q can't be modified without an owner", key)
	}
	current, found := s.owners[key]
	if !found {
		s.owners[key] = owner
		return nil
	}
	if current != owner {
		return errors.WithStack(&KeyOwnershipError{Key: key, Owner: current, Claimant: owner})
	}
	return nil
}

// Set the metric value for key. The first owner to set a key becomes its owner.
func (s *Store) Set(owner *Owner, key string, value Value) error {
	if !value.IsValid() {
		return errors.Errorf("invalid (zero) value for metric %q set by %s", key, owner)
	}
	if err := s.claim(owner, key); err != nil {
		return err
	}
	if _, found := s.values[key]; !found {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
	return nil
}

// Delete the metric key. It's a no-op if the key is not present, but it still fails if
// the key is owned by some other owner.
func (s *Store) Delete(owner *Owner, key string) error {
	if err := s.claim(owner, key); err != nil {
		return err
	}
	if _, found := s.values[key]; !found {
		return nil
	}
	delete(s.values, key)
	s.keys = slices.DeleteFunc(s.keys, func(k string) bool { return k == key })
	return nil
}

// Get returns the value for key, and whether it is present.
func (s *Store) Get(key string) (Value, bool) {
	v, found := s.values[key]
	return v, found
}

// Has returns whether key is present.
func (s *Store) Has(key string) bool {
	_, found := s.values[key]
	return found
}

// Len returns the number of metrics present.
func (s *Store) Len() int {
	return len(s.keys)
}

// Keys returns the keys present, in insertion order.
func (s *Store) Keys() []string {
	return slices.Clone(s.keys)
}

// Enumerate calls fn for each metric, in insertion order.
// fn must not modify the Store.
func (s *Store) Enumerate(fn func(key string, value Value)) {
	for _, key := range s.keys {
		fn(key, s.values[key])
	}
}

// OwnerOf returns the owner of key, or nil if it was never set.
func (s *Store) OwnerOf(key string) *Owner {
	return s.owners[key]
}

// Scalars returns the scalar metrics as a map. Useful for serialization.
func (s *Store) Scalars() map[string]float64 {
	scalars := make(map[string]float64)
	for key, value := range s.values {
		if v, ok := value.Scalar(); ok {
			scalars[key] = v
		}
	}
	return scalars
}
