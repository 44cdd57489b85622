package plugin

import "os"

const (
	// EnvPluginPath overrides the default engine plugin directory.
	EnvPluginPath = "STREAMSCRIBE_PLUGIN_PATH"
	// DefaultPluginDir is searched when neither a directory nor EnvPluginPath is given.
	DefaultPluginDir = "/usr/local/lib/streamscribe/plugins"
)

// ResolveDir picks the directory LoadDynamicPlugins scans.
func ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if env := os.Getenv(EnvPluginPath); env != "" {
		return env
	}
	return DefaultPluginDir
}

// added returns the names present in after but not in before.
func added(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n] = true
	}
	var out []string
	for _, n := range after {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}
