// Package scheduler decides when tiered rolling summaries must be rebuilt.
// Each tier fires one step before the message that will read it, so the
// summary is ready by the time it is needed. The policy is pure; callers
// dispatch the returned requests.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// RebuildRequest asks for the summary of tier over messages [StartIdx, EndIdx].
type RebuildRequest struct {
	Tier     int `json:"tier" validate:"min=1"`
	StartIdx int `json:"start_idx" validate:"min=1"`
	EndIdx   int `json:"end_idx" validate:"gtefield=StartIdx"`
}

// Tier describes one summary level.
type Tier struct {
	Level int `validate:"min=1"`
	// Threshold is the first counter at which the tier fires.
	Threshold int `validate:"min=0"`
	// Every is the counter step between firings once past Threshold.
	Every int `validate:"min=1"`
	// Start and End bound the messages the tier summarizes.
	Start int `validate:"min=1"`
	End   int `validate:"gtefield=Start"`
	// Lead is added to the counter to get the range end before clamping to End.
	Lead int
}

// DefaultTiers refresh the first 20 messages every 5 messages from 19 on,
// and messages 21 to 60 every 20 messages from 59 on.
var DefaultTiers = []Tier{
	{Level: 1, Threshold: 19, Every: 5, Start: 1, End: 20, Lead: 1},
	{Level: 2, Threshold: 59, Every: 20, Start: 21, End: 60, Lead: 1},
}

var validate = validator.New()

// Check returns the tier's request for counter, if it fires. A tier without
// a positive Every never fires.
func (t Tier) Check(counter int) (RebuildRequest, bool) {
	if t.Every <= 0 || counter < t.Threshold || (counter-t.Threshold)%t.Every != 0 {
		return RebuildRequest{}, false
	}
	return RebuildRequest{
		Tier:     t.Level,
		StartIdx: t.Start,
		EndIdx:   min(t.End, counter+t.Lead),
	}, true
}

// Policy evaluates every tier on each call.
type Policy struct {
	tiers []Tier
}

// NewPolicy validates tiers. A tier whose first firing would yield a range
// ending before its start is rejected.
func NewPolicy(tiers ...Tier) (*Policy, error) {
	if len(tiers) == 0 {
		return nil, errors.New("scheduler: at least one tier is required")
	}
	var errs []error
	for _, t := range tiers {
		if err := validate.Struct(t); err != nil {
			errs = append(errs, fmt.Errorf("tier %d: %w", t.Level, err))
			continue
		}
		if min(t.End, t.Threshold+t.Lead) < t.Start {
			errs = append(errs, fmt.Errorf("tier %d: first range ends before message %d", t.Level, t.Start))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Policy{tiers: append([]Tier(nil), tiers...)}, nil
}

// Tiers returns a copy of the policy's tiers.
func (p *Policy) Tiers() []Tier {
	return append([]Tier(nil), p.tiers...)
}

// Check returns zero or more requests, in tier order.
func (p *Policy) Check(counter int) []RebuildRequest {
	requests := []RebuildRequest{}
	for _, t := range p.tiers {
		if req, ok := t.Check(counter); ok {
			requests = append(requests, req)
		}
	}
	return requests
}

var defaultPolicy = &Policy{tiers: DefaultTiers}

// CheckTriggers evaluates DefaultTiers.
func CheckTriggers(counter int) []RebuildRequest {
	return defaultPolicy.Check(counter)
}

// ValidateRequest checks a request built outside the policy.
func ValidateRequest(req RebuildRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("scheduler: invalid rebuild request: %w", err)
	}
	return nil
}
