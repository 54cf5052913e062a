package hooks

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/scrawlhq/scrawl/internal/config"
)

// Events a hook can subscribe to via its filename.
const (
	EventCrawl    = "Crawl"
	EventCrawlEnd = "CrawlEnd"
	EventSnapshot = "Snapshot"
	EventBinary   = "Binary"
)

// Hook is one discovered executable. Hooks are named
// on_<Event>__<NN>_<name>[.bg].<ext> inside a plugin directory; the two-digit
// priority prefix makes lexicographic order the execution order, and a .bg.
// infix (or legacy __background suffix) marks a background hook.
type Hook struct {
	Path       string // absolute path to the executable
	Plugin     string // plugin directory name
	Event      string
	Name       string // file name without extension, e.g. on_Snapshot__50_wget
	Background bool
}

var hookExts = []string{".sh", ".py", ".js"}

// Discover finds the hooks for an event across the builtin and user plugin
// directories, filtered by the merged config (PLUGINS whitelist and
// {PLUGIN}_ENABLED flags), sorted by filename. This is the only place that
// globs the filesystem for hooks.
func Discover(event string, cfg *config.Config, merged map[string]string) []Hook {
	var out []Hook
	for _, dir := range []string{cfg.PluginsDir, cfg.UserPluginsDir} {
		if dir == "" {
			continue
		}
		for _, ext := range hookExts {
			matches, err := filepath.Glob(filepath.Join(dir, "*", "on_"+event+"__*"+ext))
			if err != nil {
				continue
			}
			for _, path := range matches {
				base := filepath.Base(path)
				plugin := filepath.Base(filepath.Dir(path))
				if !config.PluginEnabled(merged, plugin) {
					continue
				}
				name := strings.TrimSuffix(base, filepath.Ext(base))
				out = append(out, Hook{
					Path:       path,
					Plugin:     plugin,
					Event:      event,
					Name:       name,
					Background: strings.Contains(base, ".bg.") || strings.Contains(name, "__background"),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out
}
