// Package scheduler runs chains of extension tasks under a bounded worker
// pool. Tasks of one chain run strictly in order; chains are independent.
package scheduler

import (
	"fmt"

	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

// Chain is the ordered list of cumulative event targets for one
// (state point, restart) pair.
type Chain struct {
	Point   state.Point
	Restart int
	Targets []float64
}

func (c Chain) String() string {
	return fmt.Sprintf("%s restart %d", c.Point, c.Restart)
}

// BuildChains creates restarts chains per point. Targets grow by block until
// they reach run; a non-positive run still gets one task so that setup and
// equilibration happen.
func BuildChains(points []state.Point, restarts int, block, run float64) ([]Chain, error) {
	if restarts < 1 {
		return nil, state.Configf("restarts must be at least 1, got %d", restarts)
	}
	if run > 0 && block <= 0 {
		return nil, state.Configf("block size must be positive, got %v", block)
	}
	var targets []float64
	if run <= 0 {
		targets = []float64{0}
	}
	for t := 0.0; t < run; {
		t += block
		targets = append(targets, t)
	}
	chains := make([]Chain, 0, len(points)*restarts)
	for _, p := range points {
		for r := 0; r < restarts; r++ {
			chains = append(chains, Chain{Point: p, Restart: r, Targets: append([]float64(nil), targets...)})
		}
	}
	return chains, nil
}
