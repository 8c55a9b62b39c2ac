package entity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the top-level structure of a fragrance catalog YAML file.
//
// Example:
//
//	catalog:
//	  name: "spring-2026 import"
//	  source: "brand feeds"
//	fragrances:
//	  - id: "frag-1"
//	    name: "Terre d'Hermès"
//	    brand: "Hermès"
//	    accords: [woody, citrus, earthy]
type CatalogFile struct {
	Catalog    CatalogMeta `yaml:"catalog"`
	Fragrances []Fragrance `yaml:"fragrances"`
}

// CatalogMeta holds top-level metadata for a catalog file.
type CatalogMeta struct {
	// Name labels the import in logs.
	Name string `yaml:"name"`

	// Source describes where the data came from.
	Source string `yaml:"source"`
}

// LoadCatalogFile reads and parses a catalog YAML file from disk.
func LoadCatalogFile(path string) (*CatalogFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("entity: open catalog file %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadCatalogFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("entity: parse catalog file %q: %w", path, err)
	}
	return cf, nil
}

// LoadCatalogFromReader parses catalog YAML from an [io.Reader] and validates
// every entry. The caller is responsible for closing r.
func LoadCatalogFromReader(r io.Reader) (*CatalogFile, error) {
	var cf CatalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("entity: decode catalog yaml: %w", err)
	}

	var errs []error
	seen := make(map[string]int, len(cf.Fragrances))
	for i, f := range cf.Fragrances {
		if err := Validate(f); err != nil {
			errs = append(errs, fmt.Errorf("fragrances[%d] (%q): %w", i, f.Name, err))
		}
		if f.ID == "" {
			continue
		}
		if j, dup := seen[f.ID]; dup {
			errs = append(errs, fmt.Errorf("fragrances[%d]: id %q already used by fragrances[%d]", i, f.ID, j))
		}
		seen[f.ID] = i
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("entity: invalid catalog: %w", errors.Join(errs...))
	}
	return &cf, nil
}

// ImportCatalog writes every fragrance in catalog into store.
// Returns the number of fragrances imported.
func ImportCatalog(ctx context.Context, store Store, catalog *CatalogFile) (int, error) {
	if catalog == nil {
		return 0, fmt.Errorf("entity: catalog must not be nil")
	}
	n, err := store.BulkImport(ctx, catalog.Fragrances)
	if err != nil {
		return n, fmt.Errorf("entity: import catalog %q: %w", catalog.Catalog.Name, err)
	}
	return n, nil
}
