// Package abtest runs the split-test lifecycle: send the sample, wait out the
// test window, pick a winner and roll the winning content out to the rest of
// the audience.
package abtest

import "github.com/mailkite/mailkite/internal/models"

// Winner compares two variants on the configured criterion. Variant A wins
// ties, including the degenerate case where nobody engaged with either.
func Winner(criterion string, a, b *models.Stats) string {
	if b.Rate(criterion) > a.Rate(criterion) {
		return models.VariantB
	}
	return models.VariantA
}
