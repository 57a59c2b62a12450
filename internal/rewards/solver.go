package rewards

import (
	"context"

	"github.com/network-contribution-rewards/ncr/internal/models"
)

// Solver is the external allocation engine boundary. The pipeline's
// obligation ends at handing it well-formed, deterministic inputs; its
// output is passed through unvalidated.
type Solver interface {
	Solve(ctx context.Context, epoch uint64, inputs *models.ShapleyInputs) (*models.Allocation, error)
}
