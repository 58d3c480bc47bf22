package config

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/duration"
	"github.com/livinlefevreloca/cadence/internal/window"
)

// Built-in phase names, in their default execution order.
const (
	PhaseStaleHandling  = "stale_pipeline_handling"
	PhasePreValidation  = "pre_validation"
	PhaseSourceToStage  = "source_to_stage_transfer"
	PhaseStageToTarget  = "stage_to_target_transfer"
	PhaseAudit          = "audit"
	PhaseStageCleaning  = "stage_cleaning"
	PhaseTargetCleaning = "target_cleaning"
)

// Pipeline holds the settings consumed by the window calculator and the
// phase executor.
type Pipeline struct {
	Name        string `toml:"name" yaml:"name"`
	Granularity string `toml:"granularity" yaml:"granularity"`
	XDaysBack   string `toml:"x_days_back" yaml:"x_days_back"`

	// Optional ISO-8601 limits. Timestamps without an offset are UTC.
	AcceptableFetchStart string `toml:"acceptable_fetch_start" yaml:"acceptable_fetch_start"`
	AcceptableFetchEnd   string `toml:"acceptable_fetch_end" yaml:"acceptable_fetch_end"`

	BackfillLookback       bool `toml:"backfill_lookback" yaml:"backfill_lookback"`
	StaleRunTimeoutMinutes int  `toml:"stale_run_timeout_minutes" yaml:"stale_run_timeout_minutes"`

	Phases []Phase `toml:"phases" yaml:"phases"`
}

// Phase is one entry of the ordered phase list.
type Phase struct {
	Name             string         `toml:"name" yaml:"name"`
	Enabled          *bool          `toml:"enabled" yaml:"enabled"`
	Timeout          string         `toml:"timeout" yaml:"timeout"`
	ExpectedDuration string         `toml:"expected_duration" yaml:"expected_duration"`
	Command          string         `toml:"command" yaml:"command"`
	Retries          int            `toml:"retries" yaml:"retries"`
	Options          map[string]any `toml:"options" yaml:"options"`
}

// DefaultPipeline returns an hourly pipeline with a week of lookback.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Name:                   "default",
		Granularity:            "1h",
		XDaysBack:              "7d",
		StaleRunTimeoutMinutes: 120,
		Phases:                 DefaultPhases(),
	}
}

// DefaultPhases returns the built-in phase list. Transfer and cleaning
// phases have no built-in handler and are disabled until a command is
// configured for them.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: PhaseStaleHandling, Timeout: "5m"},
		{Name: PhasePreValidation, Timeout: "5m"},
		{Name: PhaseSourceToStage, Enabled: Bool(false), Timeout: "1h", ExpectedDuration: "20m"},
		{Name: PhaseStageToTarget, Enabled: Bool(false), Timeout: "1h", ExpectedDuration: "20m"},
		{Name: PhaseAudit, Timeout: "10m", Options: map[string]any{
			"source_to_stage_tolerance_percent": 2.0,
			"stage_to_target_tolerance_percent": 1.0,
		}},
		{Name: PhaseStageCleaning, Enabled: Bool(false), Timeout: "15m"},
		{Name: PhaseTargetCleaning, Enabled: Bool(false), Timeout: "15m"},
	}
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// IsEnabled reports whether the phase should run. Phases are enabled unless
// explicitly disabled.
func (p Phase) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// TimeoutDuration returns the parsed timeout, zero when unset.
func (p Phase) TimeoutDuration() (time.Duration, error) {
	return parseOptional(p.Timeout)
}

// Expected returns the parsed expected duration, zero when unset.
func (p Phase) Expected() (time.Duration, error) {
	return parseOptional(p.ExpectedDuration)
}

// Float returns a numeric option, or def when it is missing or not a number.
func (p Phase) Float(key string, def float64) float64 {
	switch v := p.Options[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// String returns a string option, or def when it is missing.
func (p Phase) String(key, def string) string {
	if v, ok := p.Options[key].(string); ok {
		return v
	}
	return def
}

func parseOptional(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return duration.Parse(s)
}

// Phase returns the configured phase with the given name.
func (p *Pipeline) Phase(name string) (Phase, bool) {
	for _, ph := range p.Phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return Phase{}, false
}

// IsEnabled reports whether a phase is configured and enabled.
func (p *Pipeline) IsEnabled(name string) bool {
	ph, ok := p.Phase(name)
	return ok && ph.IsEnabled()
}

// EnabledPhases returns the names of enabled phases in declared order.
func (p *Pipeline) EnabledPhases() []string {
	names := make([]string, 0, len(p.Phases))
	for _, ph := range p.Phases {
		if ph.IsEnabled() {
			names = append(names, ph.Name)
		}
	}
	return names
}

// StaleRunTimeout converts the configured minutes, zero disables the janitor.
func (p *Pipeline) StaleRunTimeout() time.Duration {
	return time.Duration(p.StaleRunTimeoutMinutes) * time.Minute
}

// Bounds parses the window settings.
func (p *Pipeline) Bounds() (window.Bounds, error) {
	g, err := duration.Parse(p.Granularity)
	if err != nil {
		return window.Bounds{}, errors.Wrap(err, "granularity")
	}
	if g <= 0 {
		return window.Bounds{}, errors.Wrapf(window.ErrInvalidGranularity, "granularity %q", p.Granularity)
	}

	b := window.Bounds{Granularity: g, BackfillLookback: p.BackfillLookback}
	if p.XDaysBack != "" {
		if b.Lookback, err = duration.Parse(p.XDaysBack); err != nil {
			return window.Bounds{}, errors.Wrap(err, "x_days_back")
		}
	}
	if p.AcceptableFetchStart != "" {
		ts, err := window.ParseTimestamp(p.AcceptableFetchStart)
		if err != nil {
			return window.Bounds{}, errors.Wrap(err, "acceptable_fetch_start")
		}
		b.FetchStart = &ts
	}
	if p.AcceptableFetchEnd != "" {
		ts, err := window.ParseTimestamp(p.AcceptableFetchEnd)
		if err != nil {
			return window.Bounds{}, errors.Wrap(err, "acceptable_fetch_end")
		}
		b.FetchEnd = &ts
	}

	if err := b.Validate(); err != nil {
		return window.Bounds{}, err
	}
	return b, nil
}

// Validate checks the pipeline settings and the phase list.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return errors.New("name must be specified")
	}
	if _, err := p.Bounds(); err != nil {
		return err
	}
	if p.StaleRunTimeoutMinutes < 0 {
		return errors.New("stale_run_timeout_minutes must not be negative")
	}
	if len(p.Phases) == 0 {
		return errors.New("at least one phase must be configured")
	}

	seen := make(map[string]bool, len(p.Phases))
	for i, ph := range p.Phases {
		if ph.Name == "" {
			return errors.Newf("phase %d has no name", i)
		}
		if seen[ph.Name] {
			return errors.Newf("phase %s declared twice", ph.Name)
		}
		seen[ph.Name] = true

		if _, err := ph.TimeoutDuration(); err != nil {
			return errors.Wrapf(err, "phase %s timeout", ph.Name)
		}
		if _, err := ph.Expected(); err != nil {
			return errors.Wrapf(err, "phase %s expected_duration", ph.Name)
		}
		if ph.Retries < 0 {
			return errors.Newf("phase %s retries must not be negative", ph.Name)
		}
	}
	return nil
}
