package estimate

import (
	"context"
	"fmt"
	"math"

	"roadside/internal/model"
)

type rate struct {
	base    float64
	minutes int
}

var issueRates = map[model.IssueType]rate{
	model.IssueFlatTire:    {50, 30},
	model.IssueBattery:     {60, 30},
	model.IssueFuel:        {40, 25},
	model.IssueLockout:     {55, 25},
	model.IssueBrakes:      {150, 90},
	model.IssueElectrical:  {120, 75},
	model.IssueOverheating: {90, 60},
	model.IssueEngine:      {180, 120},
	model.IssueTowing:      {120, 60},
	model.IssueOther:       {80, 45},
}

var priorityFactor = map[model.Priority]float64{
	model.PriorityLow:       0.9,
	model.PriorityMedium:    1.0,
	model.PriorityHigh:      1.25,
	model.PriorityEmergency: 1.5,
}

// Rules prices a request from a fixed table keyed by issue type and scaled
// by priority.
type Rules struct{}

func (Rules) Estimate(_ context.Context, in Input) (Quote, error) {
	r, ok := issueRates[in.IssueType]
	if !ok {
		return Quote{}, fmt.Errorf("no rate for issue type %q", in.IssueType)
	}
	f, ok := priorityFactor[in.Priority]
	if !ok {
		f = 1
	}
	return Quote{
		Quotation:         math.Round(r.base*f*100) / 100,
		EstimatedDuration: r.minutes,
	}, nil
}
