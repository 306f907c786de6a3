// Package config loads the run options (files, exclude, suites, parallel,
// bail, timeout, randomize, filter, testRunners, seed) through a layered
// loader: built-in defaults, then an on-disk YAML file, then environment
// variables, then explicit caller overrides. Each layer wins over the last,
// and every field remembers which layer supplied its value.
//
// The loader hands the rest of the engine a plain RunOptions value; it never
// imports internal/coordinator or internal/suite back.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/cklxx-labs/parallex/internal/errtax"
)

// ValueSource records where a loaded field's value actually came from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// RunOptions is the plain value the core consumes; it has no dependency on
// viper or on any core package.
type RunOptions struct {
	Files       []string
	Exclude     []string
	Suites      []string
	Parallel    int
	Bail        bool
	TimeoutMS   int
	Randomize   bool
	Filter      []string
	TestRunners []string
	// Seed fixes the RNG driving Randomize's shuffle; nil means unseeded
	// (each suite shuffles from a fresh time-based source).
	Seed *int64
}

// Defaults returns the built-in baseline every loaded config starts from.
func Defaults() RunOptions {
	return RunOptions{
		Files:     []string{"**/*.test.js", "**/*.spec.js"},
		Exclude:   []string{"**/node_modules/**"},
		Parallel:  4,
		Bail:      false,
		TimeoutMS: 5000,
		Randomize: false,
	}
}

// Overrides carries caller-specified values that win over every other layer
// (e.g. CLI flags explicitly passed by the user).
type Overrides struct {
	Files       *[]string
	Exclude     *[]string
	Suites      *[]string
	Parallel    *int
	Bail        *bool
	TimeoutMS   *int
	Randomize   *bool
	Filter      *[]string
	TestRunners *[]string
	Seed        *int64
}

// Option customizes the loader.
type Option func(*loadState)

type loadState struct {
	configPath string
	envPrefix  string
	overrides  Overrides
}

// WithConfigPath points the loader at a specific YAML file rather than the
// default `.parallex.yaml` search path.
func WithConfigPath(path string) Option {
	return func(s *loadState) { s.configPath = path }
}

// WithEnvPrefix sets the environment-variable prefix (default "PARALLEX").
func WithEnvPrefix(prefix string) Option {
	return func(s *loadState) { s.envPrefix = prefix }
}

// WithOverrides applies caller overrides at the highest precedence.
func WithOverrides(o Overrides) Option {
	return func(s *loadState) { s.overrides = o }
}

// Metadata reports, per field name, which layer ultimately supplied its
// value.
type Metadata struct {
	sources map[string]ValueSource
}

// Source returns the provenance of field, defaulting to SourceDefault for
// any field never explicitly set.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Load merges defaults, an optional YAML file, environment variables, and
// explicit overrides into one RunOptions, in that precedence order.
func Load(opts ...Option) (RunOptions, Metadata, error) {
	state := &loadState{envPrefix: "PARALLEX"}
	for _, o := range opts {
		o(state)
	}

	v := viper.New()
	v.SetEnvPrefix(state.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	setDefaults(v, defaults)

	meta := Metadata{sources: map[string]ValueSource{}}

	if state.configPath != "" {
		v.SetConfigFile(state.configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return RunOptions{}, meta, &errtax.ConfigParseFailureError{Path: state.configPath, Err: err}
		}
	} else {
		v.SetConfigName(".parallex")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return RunOptions{}, meta, &errtax.ConfigParseFailureError{Path: ".parallex.yaml", Err: err}
			}
		}
	}

	out := RunOptions{
		Files:       v.GetStringSlice("files"),
		Exclude:     v.GetStringSlice("exclude"),
		Suites:      v.GetStringSlice("suites"),
		Parallel:    v.GetInt("parallel"),
		Bail:        v.GetBool("bail"),
		TimeoutMS:   v.GetInt("timeout"),
		Randomize:   v.GetBool("randomize"),
		Filter:      v.GetStringSlice("filter"),
		TestRunners: v.GetStringSlice("testrunners"),
	}
	if v.IsSet("seed") {
		seed := v.GetInt64("seed")
		out.Seed = &seed
	}

	for _, field := range []string{"files", "exclude", "suites", "parallel", "bail", "timeout", "randomize", "filter", "testrunners", "seed"} {
		meta.sources[field] = classifySource(v, state.envPrefix, field)
	}

	applyOverrides(&out, meta, state.overrides)

	if out.Parallel < 1 {
		return out, meta, fmt.Errorf("parallel must be >= 1, got %d", out.Parallel)
	}
	return out, meta, nil
}

func setDefaults(v *viper.Viper, d RunOptions) {
	v.SetDefault("files", d.Files)
	v.SetDefault("exclude", d.Exclude)
	v.SetDefault("suites", d.Suites)
	v.SetDefault("parallel", d.Parallel)
	v.SetDefault("bail", d.Bail)
	v.SetDefault("timeout", d.TimeoutMS)
	v.SetDefault("randomize", d.Randomize)
	v.SetDefault("filter", d.Filter)
	v.SetDefault("testrunners", d.TestRunners)
}

// classifySource approximates per-field provenance: viper itself doesn't
// expose this directly, so precedence is inferred from whether the value is
// set in the environment or the config file (environment first, since it
// wins over the file), falling back to default.
func classifySource(v *viper.Viper, envPrefix, field string) ValueSource {
	if _, ok := lookupEnv(envPrefix, field); ok {
		return SourceEnv
	}
	if v.InConfig(field) {
		return SourceFile
	}
	return SourceDefault
}

func lookupEnv(envPrefix, field string) (string, bool) {
	// viper.AutomaticEnv doesn't expose a direct "was this env-backed" probe,
	// so we re-derive the key the same way BindEnv/AutomaticEnv would.
	key := strings.ToUpper(envPrefix + "_" + field)
	return os.LookupEnv(key)
}

func applyOverrides(out *RunOptions, meta Metadata, o Overrides) {
	if o.Files != nil {
		out.Files = *o.Files
		meta.sources["files"] = SourceOverride
	}
	if o.Exclude != nil {
		out.Exclude = *o.Exclude
		meta.sources["exclude"] = SourceOverride
	}
	if o.Suites != nil {
		out.Suites = *o.Suites
		meta.sources["suites"] = SourceOverride
	}
	if o.Parallel != nil {
		out.Parallel = *o.Parallel
		meta.sources["parallel"] = SourceOverride
	}
	if o.Bail != nil {
		out.Bail = *o.Bail
		meta.sources["bail"] = SourceOverride
	}
	if o.TimeoutMS != nil {
		out.TimeoutMS = *o.TimeoutMS
		meta.sources["timeout"] = SourceOverride
	}
	if o.Randomize != nil {
		out.Randomize = *o.Randomize
		meta.sources["randomize"] = SourceOverride
	}
	if o.Filter != nil {
		out.Filter = *o.Filter
		meta.sources["filter"] = SourceOverride
	}
	if o.TestRunners != nil {
		out.TestRunners = *o.TestRunners
		meta.sources["testrunners"] = SourceOverride
	}
	if o.Seed != nil {
		out.Seed = o.Seed
		meta.sources["seed"] = SourceOverride
	}
}
