package storage

import (
	"fmt"
	"strings"
)

// Locator schemes.
const (
	SchemeObject = "objstore"
	SchemeLocal  = "local"
)

// Locator is a parsed storage locator.
type Locator struct {
	Scheme string
	Value  string
}

// String renders the locator with its scheme prefix.
func (l Locator) String() string {
	return l.Scheme + "://" + l.Value
}

// IsObject reports whether the locator names an object-store key.
func (l Locator) IsObject() bool { return l.Scheme == SchemeObject }

// IsLocal reports whether the locator names a local file.
func (l Locator) IsLocal() bool { return l.Scheme == SchemeLocal }

// ObjectLocator returns the locator for an object key.
func ObjectLocator(key string) string {
	return Locator{Scheme: SchemeObject, Value: strings.TrimLeft(key, "/")}.String()
}

// LocalLocator returns the locator for a local path.
func LocalLocator(path string) string {
	return Locator{Scheme: SchemeLocal, Value: path}.String()
}

// ParseLocator splits a locator. A bare path without a scheme is treated as local.
func ParseLocator(value string) (Locator, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Locator{}, fmt.Errorf("empty storage locator")
	}
	scheme, rest, ok := strings.Cut(value, "://")
	if !ok {
		return Locator{Scheme: SchemeLocal, Value: value}, nil
	}
	switch scheme {
	case SchemeObject, SchemeLocal:
	default:
		return Locator{}, fmt.Errorf("unknown storage locator scheme %q", scheme)
	}
	if rest == "" {
		return Locator{}, fmt.Errorf("storage locator %q has no path", value)
	}
	return Locator{Scheme: scheme, Value: rest}, nil
}
