package typecache

import (
	"reflect"
	"sync"
)

// Cache is a process-wide, race-safe RecordDescriptor cache. Its zero
// value is not usable; construct with New. A single Cache is normally
// shared per process (Default), but tests may construct a fresh one to
// avoid cross-test descriptor pollution.
type Cache struct {
	m sync.Map // reflect.Type -> *RecordDescriptor
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

// Default is the process-wide Cache used when callers do not inject one
// of their own.
var Default = New()

// Get returns the memoized RecordDescriptor for t, invoking build to
// derive one on a miss. Concurrent misses for the same type race
// harmlessly: the first successful build to be stored wins, and callers
// that lost the race receive the winner's descriptor instead of their
// own: first writer wins.
func (c *Cache) Get(t reflect.Type, build func() (*RecordDescriptor, error)) (*RecordDescriptor, error) {
	if v, ok := c.m.Load(t); ok {
		return v.(*RecordDescriptor), nil
	}
	d, err := build()
	if err != nil {
		return nil, err
	}
	actual, _ := c.m.LoadOrStore(t, d)
	return actual.(*RecordDescriptor), nil
}

// Clear empties the cache. Test-only
func (c *Cache) Clear() {
	c.m.Range(func(k, _ interface{}) bool {
		c.m.Delete(k)
		return true
	})
}

// GetFor is Get keyed by T's reflect.Type (a pointer type is keyed by its
// element type), with build as the caller-supplied build function.
func GetFor[T any](c *Cache, build func() (*RecordDescriptor, error)) (*RecordDescriptor, error) {
	var zero T
	var t = reflect.TypeOf(zero)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return c.Get(t, build)
}
