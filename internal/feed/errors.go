package feed

import (
	"fmt"

	"github.com/nova-social/backend/internal/errkind"
)

func errWeightsNotNormalized(sum float64) error {
	return errkind.New(errkind.InvalidInput, fmt.Sprintf("ranking weights sum to %f, want 1.0", sum))
}
