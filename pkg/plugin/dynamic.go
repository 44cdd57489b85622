//go:build plugindyn && linux

package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
)

// registerSymbol is the function every engine .so must export. It calls
// plugin.Register for the engines the file provides.
const registerSymbol = "RegisterPlugins"

// LoadDynamicPlugins opens every .so file in pluginDir (see ResolveDir) and
// runs its registration hook. A missing directory loads nothing. Files that
// fail are reported together; the others stay registered.
func LoadDynamicPlugins(pluginDir string) error {
	pluginDir = ResolveDir(pluginDir)

	if _, err := os.Stat(pluginDir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	soFiles, err := filepath.Glob(filepath.Join(pluginDir, "*.so"))
	if err != nil {
		return fmt.Errorf("failed to search for plugin files in %s: %w", pluginDir, err)
	}

	var errs []error
	for _, soFile := range soFiles {
		before := globalRegistry.names()
		if err := openEngineFile(soFile); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(soFile), err))
			continue
		}
		slog.Info("Loaded STT plugin",
			slog.String("file", soFile),
			slog.Any("engines", added(before, globalRegistry.names())))
	}

	return errors.Join(errs...)
}

func openEngineFile(soFile string) error {
	p, err := plugin.Open(soFile)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	sym, err := p.Lookup(registerSymbol)
	if err != nil {
		return fmt.Errorf("missing %s: %w", registerSymbol, err)
	}

	register, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("%s has type %T, want func() error", registerSymbol, sym)
	}
	return register()
}
