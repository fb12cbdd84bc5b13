// Package estimate produces price and duration quotes for a service request.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"roadside/internal/model"
)

// Input is what an estimator sees about a request.
type Input struct {
	IssueType   model.IssueType   `json:"issueType"`
	Priority    model.Priority    `json:"priority"`
	Description string            `json:"description,omitempty"`
	Vehicle     model.VehicleInfo `json:"vehicleInfo"`
	Location    model.Location    `json:"location"`
}

// Quote is an estimate; EstimatedDuration is in minutes.
type Quote struct {
	Quotation         float64 `json:"quotation"`
	EstimatedDuration int     `json:"estimatedDuration"`
}

// Estimator may fail; callers treat failure as "no estimate".
type Estimator interface {
	Estimate(ctx context.Context, in Input) (Quote, error)
}

// DefaultTimeout bounds a single estimate.
const DefaultTimeout = 3 * time.Second

var ErrTimeout = errors.New("estimate timed out")

// Bounded runs e under timeout. Estimators that ignore ctx are abandoned once
// the deadline passes.
func Bounded(ctx context.Context, e Estimator, timeout time.Duration, in Input) (Quote, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		q   Quote
		err error
	}
	done := make(chan result, 1)
	go func() {
		q, err := e.Estimate(ctx, in)
		done <- result{q, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return Quote{}, r.err
		}
		if r.q.Quotation < 0 || math.IsNaN(r.q.Quotation) || math.IsInf(r.q.Quotation, 0) {
			return Quote{}, fmt.Errorf("estimator returned invalid quotation %v", r.q.Quotation)
		}
		return r.q, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Quote{}, ErrTimeout
		}
		return Quote{}, ctx.Err()
	}
}
