// Package options resolves the allowed values of choice fields.
//
// Options come from the first source that answers: the row store's
// /api/sheet/statuses endpoint, a local TOML or YAML file, and finally the
// built-in fallback map. A file source can be watched for edits.
package options

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// Source loads a field options map.
type Source interface {
	Name() string
	Load(ctx context.Context) (schema.Options, error)
}

// Fetcher is the part of the row store client that serves options.
type Fetcher interface {
	FieldOptions(ctx context.Context) (schema.Options, error)
}

// Remote loads options from the row store.
type Remote struct {
	Fetcher Fetcher
}

func (r Remote) Name() string { return "remote" }

func (r Remote) Load(ctx context.Context) (schema.Options, error) {
	if r.Fetcher == nil {
		return nil, fmt.Errorf("no row store configured")
	}
	opts, err := r.Fetcher.FieldOptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch field options: %w", err)
	}
	if len(opts) == 0 {
		return nil, fmt.Errorf("row store returned no field options")
	}
	return opts, opts.Validate()
}

// File loads options from a .toml, .yaml/.yml or .json file whose top-level
// keys are field names mapped to lists of values:
//
//	"Статус" = ["Готов", "Выдан", "Распилен", "-"]
type File struct {
	Path string
}

func (f File) Name() string { return "file:" + f.Path }

func (f File) Load(ctx context.Context) (schema.Options, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}
	opts, err := Parse(filepath.Ext(f.Path), data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.Path, err)
	}
	return opts, nil
}

// Parse decodes an options document. ext selects the format.
func Parse(ext string, data []byte) (schema.Options, error) {
	opts := schema.Options{}
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &opts); err != nil {
			return nil, err
		}
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML.
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported options format %q", ext)
	}
	if len(opts) == 0 {
		return nil, fmt.Errorf("no options defined")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Fallback is the built-in options map.
type Fallback struct{}

func (Fallback) Name() string { return "fallback" }

func (Fallback) Load(context.Context) (schema.Options, error) {
	return schema.FallbackOptions(), nil
}

// Resolve returns the options of the first source that loads, and its name.
// The fallback map is used when every source fails, so Resolve never fails.
// The per-source errors are returned for logging.
func Resolve(ctx context.Context, sources ...Source) (schema.Options, string, []error) {
	var failures []error
	for _, src := range sources {
		if src == nil {
			continue
		}
		opts, err := src.Load(ctx)
		if err == nil {
			return opts, src.Name(), failures
		}
		failures = append(failures, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return schema.FallbackOptions(), Fallback{}.Name(), failures
}
