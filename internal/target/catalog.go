package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"devrun/internal/proc"
)

// ErrNotFound is returned by Find for an unknown target ID.
var ErrNotFound = errors.New("target not found")

// Catalog lists targets from the simulator and device backends.
type Catalog struct {
	runner proc.Runner
	logger *zap.Logger
	lang   language.Tag
}

// NewCatalog creates a catalog that shells out through runner.
func NewCatalog(runner proc.Runner, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		runner: runner,
		logger: logger.Named("catalog"),
		lang:   language.English,
	}
}

// ListTargets returns a fresh snapshot: sorted simulators followed by physical
// devices in backend order. A failing backend contributes nothing; the call
// itself never fails.
func (c *Catalog) ListTargets(ctx context.Context) []Target {
	var emulated, physical []Target

	// Backends degrade to empty, so the group never carries an error.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		emulated = c.emulatedTargets(gctx)
		return nil
	})
	g.Go(func() error {
		physical = c.physicalTargets(gctx)
		return nil
	})
	_ = g.Wait()

	c.sortEmulated(emulated)

	seen := make(map[string]bool, len(emulated)+len(physical))
	targets := make([]Target, 0, len(emulated)+len(physical))
	for _, t := range append(emulated, physical...) {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		targets = append(targets, t)
	}
	return targets
}

// Find returns the target with id from a fresh snapshot.
func (c *Catalog) Find(ctx context.Context, id string) (Target, error) {
	for _, t := range c.ListTargets(ctx) {
		if t.ID == id {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (c *Catalog) emulatedTargets(ctx context.Context) []Target {
	out, err := c.runner.Run(ctx, proc.Xcrun("simctl", "list", "devices", "available", "--json"))
	if err != nil {
		c.logger.Warn("simulator query failed", zap.Error(err))
		return nil
	}
	return parseSimctl(out.Stdout)
}

func (c *Catalog) physicalTargets(ctx context.Context) []Target {
	if targets := c.devicectlTargets(ctx); len(targets) > 0 {
		return targets
	}
	return c.xctraceTargets(ctx)
}

func (c *Catalog) devicectlTargets(ctx context.Context) []Target {
	f, err := os.CreateTemp("", "devrun-devices-*.json")
	if err != nil {
		c.logger.Warn("create devicectl output file", zap.Error(err))
		return nil
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if _, err := c.runner.Run(ctx, proc.Xcrun("devicectl", "list", "devices", "--json-output", path)); err != nil {
		c.logger.Debug("devicectl query failed", zap.Error(err))
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("read devicectl output", zap.Error(err))
		return nil
	}
	return parseDevicectl(data)
}

func (c *Catalog) xctraceTargets(ctx context.Context) []Target {
	out, err := c.runner.Run(ctx, proc.Xcrun("xctrace", "list", "devices"))
	if err != nil {
		c.logger.Warn("device query failed", zap.Error(err))
		return nil
	}
	return parseXctrace(out.Stdout)
}

// sortEmulated orders booted simulators first, then newer OS versions, then
// names in collation order.
func (c *Catalog) sortEmulated(targets []Target) {
	col := collate.New(c.lang, collate.IgnoreCase)
	sort.SliceStable(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		if a.IsBooted() != b.IsBooted() {
			return a.IsBooted()
		}
		if cmp := parseVersion(a.OSVersion).compare(parseVersion(b.OSVersion)); cmp != 0 {
			return cmp > 0
		}
		return col.CompareString(a.Name, b.Name) < 0
	})
}
