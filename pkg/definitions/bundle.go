package definitions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openunify/openunify/pkg/schema"
	"github.com/openunify/openunify/pkg/stores"
)

// Bundle is a file of definition records imported together.
type Bundle struct {
	CommonModels          []*schema.CommonModel        `json:"commonModels,omitempty"`
	ConnectionDefinitions []*ConnectionDefinition      `json:"connectionDefinitions,omitempty"`
	OAuthDefinitions      []*ConnectionOAuthDefinition `json:"oauthDefinitions,omitempty"`
	ModelDefinitions      []*ConnectionModelDefinition `json:"modelDefinitions,omitempty"`
}

// Len returns the number of records in the bundle.
func (b *Bundle) Len() int {
	return len(b.CommonModels) + len(b.ConnectionDefinitions) + len(b.OAuthDefinitions) + len(b.ModelDefinitions)
}

// ParseBundle parses a YAML or JSON bundle. YAML is converted to JSON first
// so both forms share the records' JSON decoding and validation.
func ParseBundle(data []byte) (*Bundle, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if raw == nil {
		return &Bundle{}, nil
	}

	converted, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert bundle: %w", err)
	}

	var bundle Bundle
	dec := json.NewDecoder(bytes.NewReader(converted))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return &bundle, nil
}

// LoadBundleFile reads and parses a bundle file.
func LoadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", path, err)
	}
	bundle, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bundle, nil
}

// LoadBundles loads every bundle file under paths, walking directories, and
// merges them into one bundle.
func LoadBundles(paths []string) (*Bundle, error) {
	merged := &Bundle{}
	for _, path := range paths {
		files, err := bundleFiles(path)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			b, err := LoadBundleFile(file)
			if err != nil {
				return nil, err
			}
			merged.CommonModels = append(merged.CommonModels, b.CommonModels...)
			merged.ConnectionDefinitions = append(merged.ConnectionDefinitions, b.ConnectionDefinitions...)
			merged.OAuthDefinitions = append(merged.OAuthDefinitions, b.OAuthDefinitions...)
			merged.ModelDefinitions = append(merged.ModelDefinitions, b.ModelDefinitions...)
		}
	}
	return merged, nil
}

func bundleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isBundleFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	return files, nil
}

func isBundleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Import stores every record of the bundle, common models first. A record whose version is lower than the stored one is skipped; every
// other failure is collected and the import carries on.
func (r *Repository) Import(ctx context.Context, bundle *Bundle) (*ImportResult, error) {
	result := &ImportResult{}
	var errs []error

	record := func(kind, id string, err error) {
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, stores.ErrStaleVersion):
			result.Skipped++
			r.logger.WithFields(map[string]interface{}{"kind": kind, "id": id}).Warn("skipping record older than the stored one")
		default:
			errs = append(errs, err)
		}
	}

	for _, m := range bundle.CommonModels {
		record(stores.KindCommonModel, m.ID, r.PutCommonModel(ctx, m))
	}
	for _, d := range bundle.ConnectionDefinitions {
		record(stores.KindConnectionDefinition, d.ID, r.PutConnectionDefinition(ctx, d))
	}
	for _, d := range bundle.OAuthDefinitions {
		record(stores.KindOAuthDefinition, d.ID, r.PutOAuthDefinition(ctx, d))
	}
	for _, d := range bundle.ModelDefinitions {
		record(stores.KindModelDefinition, d.ID, r.PutModelDefinition(ctx, d))
	}

	r.logger.WithFields(map[string]interface{}{
		"imported": result.Imported,
		"skipped":  result.Skipped,
		"failed":   len(errs),
	}).Info("bundle imported")
	_ = r.events.PublishDefinitionsImported(result.Imported, result.Skipped)

	return result, errors.Join(errs...)
}
