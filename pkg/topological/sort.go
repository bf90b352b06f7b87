// Package topological orders values so that every value is preceded by the
// values it depends on.
package topological

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/exp/constraints"
)

var ErrCycleDetected = errors.New("cycle detected")

// CycleError carries the keys that could not be ordered because they sit on
// or behind a dependency cycle.
type CycleError[K constraints.Ordered] struct {
	Keys []K
}

func (e *CycleError[K]) Error() string {
	return fmt.Sprintf("%v among %v", ErrCycleDetected, e.Keys)
}

func (e *CycleError[K]) Unwrap() error {
	return ErrCycleDetected
}

func Sort[T constraints.Ordered](values []T, depFunc func(T) []T) ([]T, error) {
	return SortFunc(values, func(val T) T { return val }, depFunc)
}

// SortFunc returns values ordered dependencies-first. Ties are broken by key
// so the result is deterministic. Dependencies on keys that are not among
// values are ignored.
func SortFunc[T any, K constraints.Ordered](values []T, keyFunc func(T) K, depFunc func(T) []T) ([]T, error) {
	valuesByKey := make(map[K]T, len(values))
	for _, val := range values {
		valuesByKey[keyFunc(val)] = val
	}

	pending := make(map[K]map[K]struct{})
	dependents := make(map[K][]K)
	var ready []K

	for _, key := range slices.Sorted(maps.Keys(valuesByKey)) {
		deps := make(map[K]struct{})
		for _, dep := range depFunc(valuesByKey[key]) {
			depKey := keyFunc(dep)
			if _, ok := valuesByKey[depKey]; !ok {
				continue
			}
			if _, dup := deps[depKey]; dup {
				continue
			}
			deps[depKey] = struct{}{}
			dependents[depKey] = append(dependents[depKey], key)
		}

		if len(deps) == 0 {
			ready = append(ready, key)
			continue
		}
		pending[key] = deps
	}

	list := make([]T, 0, len(valuesByKey))
	for len(ready) > 0 {
		var key K
		key, ready = ready[0], ready[1:]
		list = append(list, valuesByKey[key])

		for _, dependent := range dependents[key] {
			deps := pending[dependent]
			delete(deps, key)
			if len(deps) > 0 {
				continue
			}
			delete(pending, dependent)
			idx, _ := slices.BinarySearch(ready, dependent)
			ready = slices.Insert(ready, idx, dependent)
		}
	}

	if len(pending) > 0 {
		return nil, &CycleError[K]{Keys: slices.Sorted(maps.Keys(pending))}
	}

	return list, nil
}
