package entity_test

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/scentvec/internal/entity"
)

const validCatalogYAML = `
catalog:
  name: "test import"
  source: "unit tests"
fragrances:
  - id: "frag-1"
    name: "Terre d'Hermès"
    brand: "Hermès"
    family: woody
    gender: masculine
    accords: [woody, citrus, earthy]
    top_notes: [orange, grapefruit]
    base_notes: [vetiver, cedar]
    popularity: 92.5
  - id: "frag-2"
    name: "Black Opium"
    brand: "Yves Saint Laurent"
    family: oriental
    gender: feminine
    accords: [vanilla, coffee, sweet]
    sample_available: true
`

func TestLoadCatalogFromReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantName  string
		wantCount int
	}{
		{name: "valid catalog", input: validCatalogYAML, wantName: "test import", wantCount: 2},
		{name: "minimal catalog", input: "catalog:\n  name: Minimal\nfragrances: []\n", wantName: "Minimal"},
		{name: "empty document", input: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cf, err := entity.LoadCatalogFromReader(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("LoadCatalogFromReader: unexpected error: %v", err)
			}
			if cf.Catalog.Name != tc.wantName {
				t.Errorf("catalog name: expected %q, got %q", tc.wantName, cf.Catalog.Name)
			}
			if len(cf.Fragrances) != tc.wantCount {
				t.Errorf("fragrance count: expected %d, got %d", tc.wantCount, len(cf.Fragrances))
			}
		})
	}
}

func TestLoadCatalogFromReader_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "invalid YAML", input: ":::not valid yaml:::"},
		{name: "unknown key", input: "catalog:\n  name: x\nunknown_key: true\n"},
		{name: "missing brand", input: "fragrances:\n  - name: Nameless\n"},
		{name: "bad gender", input: "fragrances:\n  - name: A\n    brand: B\n    gender: robot\n"},
		{name: "duplicate id", input: "fragrances:\n  - {id: x, name: A, brand: B}\n  - {id: x, name: C, brand: D}\n"},
		{name: "blank note", input: "fragrances:\n  - {name: A, brand: B, top_notes: [\"\"]}\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := entity.LoadCatalogFromReader(strings.NewReader(tc.input)); err == nil {
				t.Fatal("LoadCatalogFromReader: expected error, got nil")
			}
		})
	}
}

func TestImportCatalog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := entity.NewMemStore()

	cf, err := entity.LoadCatalogFromReader(strings.NewReader(validCatalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalogFromReader: %v", err)
	}

	n, err := entity.ImportCatalog(ctx, s, cf)
	if err != nil {
		t.Fatalf("ImportCatalog: unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("ImportCatalog: expected 2 imported, got %d", n)
	}

	woody, err := s.List(ctx, entity.ListOptions{Family: "WOODY"})
	if err != nil {
		t.Fatalf("List(woody): %v", err)
	}
	if len(woody) != 1 || woody[0].ID != "frag-1" {
		t.Fatalf("List(woody): expected frag-1, got %+v", woody)
	}

	// Re-importing replaces rather than failing on duplicates.
	if n, err := entity.ImportCatalog(ctx, s, cf); err != nil || n != 2 {
		t.Fatalf("re-import = %d, %v", n, err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}

func TestImportCatalog_NilCatalog(t *testing.T) {
	t.Parallel()
	if _, err := entity.ImportCatalog(context.Background(), entity.NewMemStore(), nil); err == nil {
		t.Fatal("ImportCatalog: expected error for nil catalog, got nil")
	}
}
