package periodic

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/flowhub/internal/config"
)

// Job names. The set is closed.
const (
	JobRSSFetch        = "rss_fetch"
	JobAIBotPost       = "ai_bot_post"
	JobModerationSweep = "moderation_sweep"
)

// JobNames lists every known job.
var JobNames = []string{JobRSSFetch, JobAIBotPost, JobModerationSweep}

func knownJob(name string) bool {
	return slices.Contains(JobNames, name)
}

// JobSettings controls one job.
type JobSettings struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Interval time.Duration  `yaml:"interval" json:"interval"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Settings is the driver's view of every job.
type Settings struct {
	Jobs map[string]JobSettings `yaml:"jobs" json:"jobs"`
}

// Clone returns a deep copy of the job map.
func (s Settings) Clone() Settings {
	out := Settings{Jobs: make(map[string]JobSettings, len(s.Jobs))}
	for name, js := range s.Jobs {
		js.Params = maps.Clone(js.Params)
		out.Jobs[name] = js
	}
	return out
}

// DefaultSettings derives settings from the environment. RSS fetching is
// enabled only when feeds are configured.
func DefaultSettings(cfg config.Config) Settings {
	var feeds []any
	for _, f := range strings.Split(cfg.RSSFeeds, ",") {
		if f = strings.TrimSpace(f); f != "" {
			feeds = append(feeds, f)
		}
	}
	return Settings{Jobs: map[string]JobSettings{
		JobRSSFetch: {
			Enabled:  len(feeds) > 0,
			Interval: 15 * time.Minute,
			Params:   map[string]any{"feeds": feeds},
		},
		JobAIBotPost: {
			Enabled:  false,
			Interval: time.Hour,
			Params:   map[string]any{"persona": "a curious librarian"},
		},
		JobModerationSweep: {
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
	}}
}

// Loader produces the current settings. The driver calls it on Refresh.
type Loader func(ctx context.Context) (Settings, error)

// StaticSettings always returns s.
func StaticSettings(s Settings) Loader {
	return func(context.Context) (Settings, error) {
		return s.Clone(), nil
	}
}

// FileSettings reads YAML from path on every call and overlays it on
// defaults job by job. A missing or empty path yields the defaults.
func FileSettings(path string, defaults Settings) Loader {
	return func(context.Context) (Settings, error) {
		out := defaults.Clone()
		if path == "" {
			return out, nil
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		if err != nil {
			return Settings{}, fmt.Errorf("read periodic settings: %w", err)
		}
		parsed, err := ParseSettings(data)
		if err != nil {
			return Settings{}, err
		}
		for name, js := range parsed.Jobs {
			if base, ok := out.Jobs[name]; ok && js.Params == nil {
				js.Params = base.Params
			}
			out.Jobs[name] = js
		}
		return out, nil
	}
}

// ParseSettings decodes a YAML settings document and rejects unknown jobs
// and negative intervals.
func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse periodic settings: %w", err)
	}
	for name, js := range s.Jobs {
		if !knownJob(name) {
			return Settings{}, fmt.Errorf("parse periodic settings: unknown job %q", name)
		}
		if js.Interval < 0 {
			return Settings{}, fmt.Errorf("parse periodic settings: job %q has negative interval", name)
		}
	}
	return s, nil
}
