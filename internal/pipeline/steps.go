package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/agentmb/internal/session"
)

// StepResult is the outcome of one step in a run_steps batch.
type StepResult struct {
	Step       int            `json:"step"`
	Action     string         `json:"action"`
	Status     string         `json:"status"` // ok or error
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// runSteps executes a step list under the already-held serializer. Each
// step passes through the full pipeline (preflight, policy, audit) on
// its own; stop_on_error (default true) aborts at the first failure.
func (p *Pipeline) runSteps(ctx context.Context, sess *session.Session, operator string, req *Request) (map[string]any, error) {
	stopOnError := true
	if req.StopOnError != nil {
		stopOnError = *req.StopOnError
	}

	results := make([]StepResult, 0, len(req.RunSteps))
	failures := 0
	start := time.Now()

	for i, step := range req.RunSteps {
		sr := StepResult{Step: i, Action: step.Action}
		stepStart := time.Now()

		var stepReq Request
		if len(step.Params) > 0 {
			if err := json.Unmarshal(step.Params, &stepReq); err != nil {
				sr.Status = "error"
				sr.Error = "invalid params: " + err.Error()
			}
		}
		if sr.Error == "" {
			if err := preflight(step.Action, &stepReq); err != nil {
				sr.Status = "error"
				sr.Error = err.Error()
			}
		}
		if sr.Error == "" {
			result, err := p.execute(ctx, sess, step.Action, operator, &stepReq)
			if err != nil {
				sr.Status = "error"
				sr.Error = err.Error()
			} else {
				sr.Status = "ok"
				sr.Result = result
			}
		}
		sr.DurationMs = time.Since(stepStart).Milliseconds()
		results = append(results, sr)

		if sr.Status == "error" {
			failures++
			if stopOnError {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	status := "ok"
	switch {
	case failures > 0 && failures == len(results):
		status = "failed"
	case failures > 0 || len(results) < len(req.RunSteps):
		status = "partial"
	}
	return map[string]any{
		"status":          status,
		"results":         results,
		"total_steps":     len(req.RunSteps),
		"completed_steps": len(results) - failures,
		"failed_steps":    failures,
		"duration_ms":     time.Since(start).Milliseconds(),
		"page_rev":        sess.Rev.Current(),
	}, nil
}
