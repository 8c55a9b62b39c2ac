// Package entity holds the fragrance catalog that feeds the embedding
// pipeline.
//
// The catalog is the entity store the change detector reads canonical
// content from. The host application owns the real catalog; this package
// provides the in-memory [MemStore] used by tests and the backfill command,
// and a YAML catalog loader ([LoadCatalogFile], [LoadCatalogFromReader]).
//
// All store operations are safe for concurrent use.
package entity

import "github.com/MrWong99/scentvec/internal/changedetect"

// Fragrance is a catalog entry. Only the semantic fields reach the content
// fingerprint; counters such as Popularity change freely without causing a
// re-embed.
type Fragrance struct {
	// ID is a unique identifier. Auto-generated if empty on Add.
	ID string `yaml:"id" json:"id"`

	// Name is the fragrance's display name.
	Name string `yaml:"name" json:"name"`

	// Brand is the house that makes it.
	Brand string `yaml:"brand" json:"brand"`

	// Description is free text.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Family is the olfactive family (e.g. "woody", "floral", "oriental").
	Family string `yaml:"family,omitempty" json:"family,omitempty"`

	// Gender is the marketed target (feminine, masculine, unisex).
	Gender Gender `yaml:"gender,omitempty" json:"gender,omitempty"`

	// Accords are the dominant accords, most prominent first.
	Accords []string `yaml:"accords,omitempty" json:"accords,omitempty"`

	TopNotes    []string `yaml:"top_notes,omitempty" json:"top_notes,omitempty"`
	MiddleNotes []string `yaml:"middle_notes,omitempty" json:"middle_notes,omitempty"`
	BaseNotes   []string `yaml:"base_notes,omitempty" json:"base_notes,omitempty"`

	// Popularity is a host-maintained ranking counter.
	Popularity float64 `yaml:"popularity,omitempty" json:"popularity,omitempty"`

	// RatingCount is the number of user ratings.
	RatingCount int `yaml:"rating_count,omitempty" json:"rating_count,omitempty"`

	// SampleAvailable reports whether a sample can be ordered.
	SampleAvailable bool `yaml:"sample_available,omitempty" json:"sample_available,omitempty"`
}

// Gender is the marketed target of a fragrance.
type Gender string

const (
	GenderFeminine  Gender = "feminine"
	GenderMasculine Gender = "masculine"
	GenderUnisex    Gender = "unisex"
)

// IsValid reports whether g is a recognised gender. The empty value is
// valid and means unspecified.
func (g Gender) IsValid() bool {
	switch g {
	case "", GenderFeminine, GenderMasculine, GenderUnisex:
		return true
	}
	return false
}

// Document projects f onto the fields that affect embedding meaning.
func (f Fragrance) Document() changedetect.Document {
	attrs := map[string][]string{
		"accords":      f.Accords,
		"top_notes":    f.TopNotes,
		"middle_notes": f.MiddleNotes,
		"base_notes":   f.BaseNotes,
	}
	if f.Brand != "" {
		attrs["brand"] = []string{f.Brand}
	}
	if f.Family != "" {
		attrs["family"] = []string{f.Family}
	}
	if f.Gender != "" {
		attrs["gender"] = []string{string(f.Gender)}
	}
	return changedetect.Document{
		Name:        f.Name,
		Description: f.Description,
		Attributes:  attrs,
	}
}
