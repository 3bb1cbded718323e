package feed

import (
	"github.com/nova-social/backend/internal/errkind"
)

// ComplexityBudget bounds how deep a paginated read may go before it's
// rejected as too expensive. estimated fan-out = base + perDepth*depth +
// pageSize, where depth is the number of cursor hops the client has
// already made.
type ComplexityBudget struct {
	Base     int
	PerDepth int
	Budget   int
}

// CheckComplexity rejects a read whose estimated fan-out, given the
// requested page size and cursor depth, exceeds the configured budget.
func CheckComplexity(b ComplexityBudget, pageSize, depth int) error {
	estimated := b.Base + b.PerDepth*depth + pageSize
	if estimated > b.Budget {
		return errkind.New(errkind.InvalidInput, "query exceeds complexity budget")
	}
	return nil
}
