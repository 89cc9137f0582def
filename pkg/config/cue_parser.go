package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidationError is one problem found in a config file.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Path    string
	Message string
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a config file does not satisfy the schema.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Loader reads config files. CUE files are checked against #Config; YAML and
// JSON files are decoded directly. Every result is validated.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a config loader.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Config")),
		validator: validator.New(),
	}, nil
}

// Load reads path on top of Default. An empty path returns the validated
// defaults.
func Load(path string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Load reads the config file at path on top of Default.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, l.Validate(cfg)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		err = l.decodeCUE(path, content, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(content, cfg)
	case ".json":
		err = json.Unmarshal(content, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCUE reads inline CUE content on top of Default.
func (l *Loader) LoadCUE(content string) (*Config, error) {
	cfg := Default()
	if err := l.decodeCUE("inline", []byte(content), cfg); err != nil {
		return nil, err
	}
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeCUE unifies the file with #Config and decodes the concrete result
// into cfg through its JSON form.
func (l *Loader) decodeCUE(filename string, content []byte, cfg *Config) error {
	val := l.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	merged := l.schema.Unify(val)
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	data, err := merged.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	return json.Unmarshal(data, cfg)
}

func decodeYAML(content []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks cfg's struct constraints and the durations that must be
// positive.
func (l *Loader) Validate(cfg *Config) error {
	var errs ValidationErrors
	if err := l.validator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
			})
		}
	}

	positive := map[string]Duration{
		"cache.loadTimeout":          cfg.Cache.LoadTimeout,
		"sandbox.timeout":            cfg.Sandbox.Timeout,
		"credentials.refreshTimeout": cfg.Credentials.RefreshTimeout,
		"credentials.tokenTimeout":   cfg.Credentials.TokenTimeout,
		"http.requestTimeout":        cfg.HTTP.RequestTimeout,
	}
	for _, path := range slices.Sorted(maps.Keys(positive)) {
		if positive[path] <= 0 {
			errs = append(errs, ValidationError{Path: path, Message: "must be positive"})
		}
	}
	if cfg.Credentials.GuardWindow < 0 {
		errs = append(errs, ValidationError{Path: "credentials.guardWindow", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
