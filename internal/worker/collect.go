package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const strictRetryAddendum = "Your previous reply could not be used. " +
	"Respond again and emit exactly one JSON document between a line containing only " +
	beginMarker + " and a line containing only " + endMarker +
	", matching the required shape for this phase. No prose inside the block."

// CallResult carries per-call telemetry back to the supervisor: it is
// recorded on the timeline and written as a call artifact whether the call
// succeeded or not.
type CallResult struct {
	CallID   string          `json:"call_id"`
	Worker   string          `json:"worker"`
	Phase    string          `json:"phase"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
	Body     string          `json:"-"`
	Framed   json.RawMessage `json:"framed,omitempty"`
}

// Collect invokes the worker and extracts one schema-valid framed document.
// Malformed output (missing frame, bad container, schema rejection) earns
// exactly one retry with the strict addendum appended to the prompt; the
// second miss returns a ParseError with the final body attached. Process
// failures are never retried here.
func Collect(ctx context.Context, inv Invoker, req Request, schema *jsonschema.Schema) (CallResult, error) {
	res := CallResult{
		CallID: ulid.Make().String(),
		Worker: inv.Name(),
		Phase:  req.Phase,
	}

	var lastReason string
	prompt := req.Prompt
	for attempt := 1; attempt <= 2; attempt++ {
		res.Attempts = attempt
		r := req
		r.Prompt = prompt
		resp, err := inv.Invoke(ctx, r)
		res.Duration += resp.Duration
		res.Body = resp.Body
		if err != nil {
			var bodyErr *BodyDecodeError
			if !errors.As(err, &bodyErr) {
				return res, err
			}
			lastReason = bodyErr.Error()
			res.Body = resp.Raw
		} else if framed, ferr := ExtractFramedJSON(resp.Body); ferr != nil {
			lastReason = ferr.Error()
		} else if verr := validateAgainst(schema, framed); verr != nil {
			lastReason = verr.Error()
		} else {
			res.Framed = framed
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		prompt = req.Prompt + "\n\n" + strictRetryAddendum
	}
	return res, &ParseError{Phase: req.Phase, Reason: lastReason, Body: res.Body}
}

// Plan runs the planner and decodes its milestone list.
func Plan(ctx context.Context, inv Invoker, req Request) (*PlanDoc, CallResult, error) {
	req.Phase = "plan"
	res, err := Collect(ctx, inv, req, planSchema)
	if err != nil {
		return nil, res, err
	}
	var doc PlanDoc
	if err := json.Unmarshal(res.Framed, &doc); err != nil {
		return nil, res, &ParseError{Phase: req.Phase, Reason: err.Error(), Body: res.Body}
	}
	return &doc, res, nil
}

// Implement runs the coder for one milestone and decodes its result.
func Implement(ctx context.Context, inv Invoker, req Request) (*ImplementResult, CallResult, error) {
	req.Phase = "implement"
	res, err := Collect(ctx, inv, req, implementSchema)
	if err != nil {
		return nil, res, err
	}
	var doc ImplementResult
	if err := json.Unmarshal(res.Framed, &doc); err != nil {
		return nil, res, &ParseError{Phase: req.Phase, Reason: err.Error(), Body: res.Body}
	}
	return &doc, res, nil
}

// Review runs the reviewer and decodes its verdict.
func Review(ctx context.Context, inv Invoker, req Request) (*ReviewResult, CallResult, error) {
	req.Phase = "review"
	res, err := Collect(ctx, inv, req, reviewSchema)
	if err != nil {
		return nil, res, err
	}
	var doc ReviewResult
	if err := json.Unmarshal(res.Framed, &doc); err != nil {
		return nil, res, &ParseError{Phase: req.Phase, Reason: err.Error(), Body: res.Body}
	}
	return &doc, res, nil
}
