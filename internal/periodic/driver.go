// Package periodic runs the background jobs that fire on an interval.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/task"
)

// ErrInFlight is returned by RunNow while the job's previous run is not
// finished.
var ErrInFlight = errors.New("job already running")

// Job is one periodic routine. Run executes on a task worker.
type Job interface {
	Name() string
	Run(h *task.Handle, params map[string]any) (any, error)
}

// Notifier receives settings change notifications. *hub.Hub implements it.
type Notifier interface {
	PublishToAdmins(ev models.Event)
}

// Options configures a Driver.
type Options struct {
	Tasks *task.Manager
	State store.PeriodicStore
	Jobs  []Job
	Load  Loader

	// Tick is the wake-up period (default 30s).
	Tick     time.Duration
	Now      func() time.Time
	Notifier Notifier
	Logger   *slog.Logger
}

// Driver submits due jobs as tasks. A job is due when its last successful
// run is at least its interval ago and no run of it is in flight.
type Driver struct {
	tasks    *task.Manager
	state    store.PeriodicStore
	jobs     map[string]Job
	load     Loader
	tick     time.Duration
	now      func() time.Time
	notifier Notifier
	logger   *slog.Logger

	mu       sync.RWMutex
	settings Settings

	refreshMu sync.Mutex

	flightMu sync.Mutex
	inFlight map[string]*flight

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver creates a driver. Jobs outside the known set are rejected.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Load == nil {
		opts.Load = StaticSettings(Settings{})
	}
	d := &Driver{
		tasks:    opts.Tasks,
		state:    opts.State,
		jobs:     make(map[string]Job, len(opts.Jobs)),
		load:     opts.Load,
		tick:     opts.Tick,
		now:      opts.Now,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		inFlight: make(map[string]*flight),
	}
	for _, j := range opts.Jobs {
		if !knownJob(j.Name()) {
			return nil, fmt.Errorf("unknown periodic job %q", j.Name())
		}
		d.jobs[j.Name()] = j
	}
	return d, nil
}

// Start loads the settings and starts the loop.
func (d *Driver) Start(ctx context.Context) error {
	if err := d.Refresh(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				d.scan(loopCtx, d.now())
			}
		}
	}()
	d.logger.Info("periodic driver started", "tick", d.tick, "jobs", len(d.jobs))
	return nil
}

// Stop ends the loop. Runs already submitted keep going.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Refresh reloads the settings. Concurrent calls are serialized.
func (d *Driver) Refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	s, err := d.load(ctx)
	if err != nil {
		return fmt.Errorf("refresh periodic settings: %w", err)
	}
	if s.Jobs == nil {
		s.Jobs = map[string]JobSettings{}
	}
	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()

	if d.notifier != nil {
		d.notifier.PublishToAdmins(models.Event{Type: models.EventSettingsUpdated, Data: s})
	}
	return nil
}

// Settings returns a copy of the cached settings.
func (d *Driver) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings.Clone()
}

// InFlight returns the task id of the job's current run.
func (d *Driver) InFlight(name string) (string, bool) {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	f, ok := d.inFlight[name]
	if !ok {
		return "", false
	}
	return f.taskID, true
}

// flight is one outstanding run. taskID is empty until Submit returns.
type flight struct {
	taskID string
}

// scan submits every enabled job that is due at now.
func (d *Driver) scan(ctx context.Context, now time.Time) {
	settings := d.Settings()
	names := make([]string, 0, len(settings.Jobs))
	for name := range settings.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		js := settings.Jobs[name]
		if !js.Enabled || js.Interval <= 0 {
			continue
		}
		if _, ok := d.jobs[name]; !ok {
			continue
		}
		if _, busy := d.InFlight(name); busy {
			continue
		}
		last, err := d.state.LastRun(ctx, name)
		if err != nil {
			d.logger.Warn("failed to read last run", "job", name, "error", err)
			continue
		}
		if !last.IsZero() && now.Sub(last) < js.Interval {
			continue
		}
		if _, err := d.submit(ctx, name, js.Params); err != nil && !errors.Is(err, ErrInFlight) {
			d.logger.Warn("failed to submit periodic job", "job", name, "error", err)
		}
	}
}

// RunNow submits the job regardless of its interval or enabled flag.
func (d *Driver) RunNow(ctx context.Context, name string) (*models.Task, error) {
	if _, ok := d.jobs[name]; !ok {
		return nil, fmt.Errorf("periodic job %q: %w", name, store.ErrNotFound)
	}
	return d.submit(ctx, name, d.Settings().Jobs[name].Params)
}

func (d *Driver) submit(ctx context.Context, name string, params map[string]any) (*models.Task, error) {
	// Reserve the slot before Submit so a fast run cannot finish first.
	f := &flight{}
	d.flightMu.Lock()
	if _, busy := d.inFlight[name]; busy {
		d.flightMu.Unlock()
		return nil, ErrInFlight
	}
	d.inFlight[name] = f
	d.flightMu.Unlock()

	job := d.jobs[name]
	row, err := d.tasks.Submit(ctx, task.Spec{
		Name:        name,
		Description: "periodic job " + name,
		Target: func(h *task.Handle) (any, error) {
			return job.Run(h, params)
		},
		OnFinish: func(row *models.Task) { d.finished(name, f, row) },
	})
	d.flightMu.Lock()
	if err != nil {
		if d.inFlight[name] == f {
			delete(d.inFlight, name)
		}
		d.flightMu.Unlock()
		return nil, err
	}
	f.taskID = row.ID
	d.flightMu.Unlock()

	d.logger.Info("periodic job submitted", "job", name, "task_id", row.ID)
	return row, nil
}

func (d *Driver) finished(name string, f *flight, row *models.Task) {
	// The slot is released after last_ran_at is written so the next scan
	// never sees a finished run as due.
	defer func() {
		d.flightMu.Lock()
		if d.inFlight[name] == f {
			delete(d.inFlight, name)
		}
		d.flightMu.Unlock()
	}()

	if row.Status != models.StatusCompleted {
		d.logger.Warn("periodic job did not complete", "job", name, "task_id", row.ID, "status", row.Status, "error", row.ErrorString())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.state.SetLastRun(ctx, name, d.now()); err != nil {
		d.logger.Error("failed to record last run", "job", name, "error", err)
	}
}

// Jobs returns the registered job names, sorted.
func (d *Driver) Jobs() []string {
	names := make([]string, 0, len(d.jobs))
	for name := range d.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
