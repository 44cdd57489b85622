//go:build !plugindyn || !linux

package plugin

import "errors"

// ErrDynamicUnsupported is returned by LoadDynamicPlugins in builds without
// the plugindyn tag or off Linux.
var ErrDynamicUnsupported = errors.New("dynamic engine plugins need a linux build with -tags=plugindyn")

// LoadDynamicPlugins reports ErrDynamicUnsupported.
func LoadDynamicPlugins(string) error {
	return ErrDynamicUnsupported
}
