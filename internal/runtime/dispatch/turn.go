package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	"github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/scheduler"
)

var validate = validator.New()

func newExchangeID() string { return uuid.NewString() }

// Turn is one conversation message fanned out to the analysis pipelines.
type Turn struct {
	MessageID      string   `json:"message_id" validate:"required"`
	Content        string   `json:"content"`
	UserID         string   `json:"user_id" validate:"required"`
	ConversationID string   `json:"conversation_id" validate:"required"`
	ExchangeID     string   `json:"exchange_id,omitempty"`
	PhotoRefs      []string `json:"photo_refs,omitempty" validate:"dive,required"`
	// Extra is merged into every leg's payload. Turn fields win on conflicts.
	Extra assignment.Payload `json:"extra,omitempty"`
}

func (t Turn) payload() assignment.Payload {
	p := make(assignment.Payload, len(t.Extra)+5)
	for k, v := range t.Extra {
		p[k] = v
	}
	p["message_id"] = t.MessageID
	p["content"] = t.Content
	p["user_id"] = t.UserID
	p["conversation_id"] = t.ConversationID
	p["exchange_id"] = t.ExchangeID
	return p
}

// LegResult is the outcome of one fan-out dispatch.
type LegResult struct {
	Label string          `json:"label"`
	Type  assignment.Type `json:"type"`
	ID    string          `json:"id,omitempty"`
	Err   error           `json:"-"`
}

// TurnResult lists every leg of a conversation turn in dispatch order.
type TurnResult struct {
	ExchangeID string      `json:"exchange_id"`
	Legs       []LegResult `json:"legs"`
}

// IDs maps the label of each successful leg to its assignment id.
func (r TurnResult) IDs() map[string]string {
	out := make(map[string]string, len(r.Legs))
	for _, leg := range r.Legs {
		if leg.Err == nil {
			out[leg.Label] = leg.ID
		}
	}
	return out
}

// Err joins the errors of failed legs, or returns nil.
func (r TurnResult) Err() error {
	var errs []error
	for _, leg := range r.Legs {
		if leg.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", leg.Label, leg.Err))
		}
	}
	return errors.Join(errs...)
}

// VisionLabel is the label of the vision leg for the photo at index n.
func VisionLabel(n int) string {
	return "vision_" + strconv.Itoa(n)
}

// DispatchConversationTurn dispatches grid, embedding and temporal
// assignments for turn plus one vision assignment per photo reference. Legs
// are independent: a failed leg is reported in the result and the rest still
// go out. The returned error is only set when turn itself is invalid.
func (d *Dispatcher) DispatchConversationTurn(ctx context.Context, turn Turn) (TurnResult, error) {
	if err := validate.Struct(turn); err != nil {
		return TurnResult{}, fmt.Errorf("invalid conversation turn: %w", err)
	}
	if turn.ExchangeID == "" {
		turn.ExchangeID = d.newUUID()
	}

	base := turn.payload()
	result := TurnResult{
		ExchangeID: turn.ExchangeID,
		Legs:       make([]LegResult, 0, 3+len(turn.PhotoRefs)),
	}

	for _, t := range []assignment.Type{assignment.Grid, assignment.Embedding, assignment.Temporal} {
		result.Legs = append(result.Legs, d.leg(ctx, string(t), t, base))
	}
	for n, ref := range turn.PhotoRefs {
		p := base.Clone()
		p["photo_ref"] = ref
		p["photo_index"] = n
		result.Legs = append(result.Legs, d.leg(ctx, VisionLabel(n), assignment.Vision, p))
	}

	if err := result.Err(); err != nil {
		d.logger.Error("Conversation turn partially dispatched", err, logging.LogFields{
			"message_id":  turn.MessageID,
			"exchange_id": turn.ExchangeID,
			"dispatched":  len(result.IDs()),
			"legs":        len(result.Legs),
		})
	}
	return result, nil
}

func (d *Dispatcher) leg(ctx context.Context, label string, t assignment.Type, p assignment.Payload) LegResult {
	id, err := d.Dispatch(ctx, t, p)
	return LegResult{Label: label, Type: t, ID: id, Err: err}
}

// ConversationRef identifies the conversation a summary rebuild covers.
type ConversationRef struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UserID         string `json:"user_id" validate:"required"`
	ExchangeID     string `json:"exchange_id,omitempty"`
}

// RebuildResult pairs a rebuild request with the summary assignment it produced.
type RebuildResult struct {
	Request scheduler.RebuildRequest `json:"request"`
	ID      string                   `json:"id,omitempty"`
	Err     error                    `json:"-"`
}

// DispatchRebuilds runs the trigger policy for messageCount and dispatches one
// summary assignment per request. Requests are dispatched independently; the
// returned error joins every failed request.
func (d *Dispatcher) DispatchRebuilds(ctx context.Context, ref ConversationRef, messageCount int) ([]RebuildResult, error) {
	if err := validate.Struct(ref); err != nil {
		return nil, fmt.Errorf("invalid conversation reference: %w", err)
	}

	requests := d.policy.Check(messageCount)
	results := make([]RebuildResult, 0, len(requests))
	var errs []error
	for _, req := range requests {
		p := assignment.Payload{
			"conversation_id": ref.ConversationID,
			"user_id":         ref.UserID,
			"message_count":   messageCount,
			"tier":            req.Tier,
			"start_idx":       req.StartIdx,
			"end_idx":         req.EndIdx,
		}
		if ref.ExchangeID != "" {
			p["exchange_id"] = ref.ExchangeID
		}
		id, err := d.Dispatch(ctx, assignment.Summary, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %d rebuild: %w", req.Tier, err))
		}
		results = append(results, RebuildResult{Request: req, ID: id, Err: err})
	}
	return results, errors.Join(errs...)
}
