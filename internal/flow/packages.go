package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/flowhub/internal/metrics"
)

// Installer installs packages for one runtime.
type Installer interface {
	Install(ctx context.Context, pkgs []string) error
}

// PackageManager installs node requirements once per process. Installs are
// serialized by a single mutex.
type PackageManager struct {
	mu         sync.Mutex
	installers map[string]Installer
	installed  map[string]bool
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// NewPackageManager creates a manager with the given installers keyed by
// runtime name.
func NewPackageManager(installers map[string]Installer, logger *slog.Logger, m *metrics.Collector) *PackageManager {
	if logger == nil {
		logger = slog.Default()
	}
	if installers == nil {
		installers = map[string]Installer{}
	}
	return &PackageManager{
		installers: installers,
		installed:  make(map[string]bool),
		logger:     logger,
		metrics:    m,
	}
}

// Ensure installs the requirements not yet installed for runtime. It is a
// no-op when reqs is empty or everything is installed.
func (p *PackageManager) Ensure(ctx context.Context, runtime string, reqs []string) error {
	if len(reqs) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var missing []string
	for _, r := range reqs {
		r = strings.TrimSpace(r)
		if r != "" && !p.installed[runtime+"\x00"+r] && !slices.Contains(missing, r) {
			missing = append(missing, r)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	inst, ok := p.installers[runtime]
	if !ok {
		return fmt.Errorf("packages for runtime %q: %w", runtime, ErrCapabilityUnavailable)
	}

	p.logger.Info("installing node requirements", "runtime", runtime, "packages", missing)
	start := time.Now()
	if err := inst.Install(ctx, missing); err != nil {
		return fmt.Errorf("install %s: %w", strings.Join(missing, " "), err)
	}
	p.metrics.RecordTiming(metrics.OpPipInstall, time.Since(start))
	for _, r := range missing {
		p.installed[runtime+"\x00"+r] = true
	}
	return nil
}

// Installed returns the installed requirements of runtime, sorted.
func (p *PackageManager) Installed(runtime string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.installed {
		if rt, pkg, _ := strings.Cut(k, "\x00"); rt == runtime {
			out = append(out, pkg)
		}
	}
	slices.Sort(out)
	return out
}
