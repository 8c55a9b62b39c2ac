package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a [Fragrance] for required fields.
//
// Rules:
//   - Name and Brand must be non-empty.
//   - Gender must be empty or a recognised [Gender].
//   - Popularity and RatingCount must not be negative.
//   - Notes and accords must not contain blank entries.
func Validate(f Fragrance) error {
	var errs []error

	if strings.TrimSpace(f.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if strings.TrimSpace(f.Brand) == "" {
		errs = append(errs, errors.New("brand must not be empty"))
	}
	if !f.Gender.IsValid() {
		errs = append(errs, fmt.Errorf("gender %q is not recognised", f.Gender))
	}
	if f.Popularity < 0 {
		errs = append(errs, errors.New("popularity must not be negative"))
	}
	if f.RatingCount < 0 {
		errs = append(errs, errors.New("rating_count must not be negative"))
	}

	lists := []struct {
		field string
		vals  []string
	}{
		{"accords", f.Accords},
		{"top_notes", f.TopNotes},
		{"middle_notes", f.MiddleNotes},
		{"base_notes", f.BaseNotes},
	}
	for _, l := range lists {
		for i, v := range l.vals {
			if strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: must not be blank", l.field, i))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
