// Package pipeline runs the per-action request pipeline: operator
// inference, preflight validation, the policy gate, stability waits,
// target resolution, verb execution with the executor fallback, failure
// diagnostics, and the audit trail.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/agentmb/internal/content"
	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/policy"
	"github.com/hazyhaar/agentmb/internal/rings"
	"github.com/hazyhaar/agentmb/internal/session"
	"github.com/hazyhaar/agentmb/observability"
)

// DefaultOperator attributes actions with no other operator source.
const DefaultOperator = "agentmb-daemon"

// Pipeline dispatches action requests against sessions. One instance
// serves the whole daemon; all per-session state lives in the session.
type Pipeline struct {
	log     *slog.Logger
	content *content.Processor
	mirror  *observability.AuditLogger  // optional durable audit mirror
	metrics *observability.MetricsManager // optional timeseries store
}

// New builds a pipeline. mirror and metrics may be nil; the in-memory
// audit ring is always written, the sqlite stores only when configured.
func New(logger *slog.Logger, mirror *observability.AuditLogger, metrics *observability.MetricsManager) *Pipeline {
	return &Pipeline{
		log:     logger,
		content: content.NewProcessor(),
		mirror:  mirror,
		metrics: metrics,
	}
}

// execCtx carries one action's state through the handler.
type execCtx struct {
	p    *Pipeline
	sess *session.Session
	page driver.Page
	req  *Request

	executedVia string // set by the executor when fallback applies
}

type handler func(ctx context.Context, ex *execCtx) (map[string]any, error)

// InferOperator resolves the acting operator in precedence order:
// request param, X-Operator header, the session's agent id, then the
// daemon fallback.
func InferOperator(req *Request, headerOperator, agentID string) string {
	for _, v := range []string{req.Operator, headerOperator, agentID} {
		if v != "" {
			return v
		}
	}
	return DefaultOperator
}

// Dispatch runs one action end to end under the session serializer.
// Errors come back typed for the HTTP layer: *PreflightError (400),
// *policy.Denied (403), *snapshot.StaleRefError (409), *ActionError and
// *FrameNotFoundError (422), session.ErrZombie (409).
func (p *Pipeline) Dispatch(ctx context.Context, sess *session.Session, verb, headerOperator string, req *Request) (map[string]any, error) {
	operator := InferOperator(req, headerOperator, sess.AgentID)

	if err := preflight(verb, req); err != nil {
		return nil, err
	}

	if err := sess.Acquire(ctx); err != nil {
		return nil, err
	}
	defer sess.Release()

	if verb == "run_steps" {
		return p.runSteps(ctx, sess, operator, req)
	}
	return p.execute(ctx, sess, verb, operator, req)
}

// execute runs one already-validated verb. Caller holds the serializer.
func (p *Pipeline) execute(ctx context.Context, sess *session.Session, verb, operator string, req *Request) (map[string]any, error) {
	if verb == "page_rev" {
		return map[string]any{"page_rev": sess.Rev.Current()}, nil
	}

	page, err := sess.ActivePage()
	if err != nil {
		return nil, err
	}

	domain := actionDomain(verb, req, page)
	gated := isMutating(verb)
	var waitedMs int64
	if gated {
		dec, err := sess.Policy.Check(ctx, policy.Request{
			Domain:    domain,
			Sensitive: req.Sensitive,
			Retry:     req.Retry,
		})
		if err != nil {
			var denied *policy.Denied
			if errors.As(err, &denied) {
				p.auditPolicy(sess, "deny", verb, operator, req, page, err, 0)
				if p.metrics != nil {
					p.metrics.Record(&observability.Metric{
						Name:      observability.MetricPolicyDenials,
						Timestamp: time.Now(),
						Value:     1,
						Labels:    map[string]string{"verb": verb, "reason": string(denied.Reason)},
						Unit:      "count",
					})
				}
			}
			return nil, err
		}
		waitedMs = dec.WaitedMs
		if waitedMs > 0 {
			p.auditPolicy(sess, "throttle", verb, operator, req, page, nil, waitedMs)
			if p.metrics != nil {
				p.metrics.RecordSimple(observability.MetricThrottleWaitMs, float64(waitedMs), "milliseconds")
			}
		}
	}

	h, ok := handlers[verb]
	if !ok {
		return nil, preflightErr("action", "known verb", "unknown action %q", verb)
	}

	timeout := time.Duration(defaultTimeout) * time.Millisecond
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ex := &execCtx{p: p, sess: sess, page: page, req: req}
	start := time.Now()

	p.stabilityBefore(actx, page, req)
	result, actErr := h(actx, ex)
	if actErr == nil && req.Stability != nil && req.Stability.WaitAfterMs > 0 {
		sleepFor(actx, time.Duration(req.Stability.WaitAfterMs)*time.Millisecond)
	}
	elapsed := time.Since(start)

	if gated {
		sess.Policy.RecordResult(domain, req.Retry, actErr)
	}

	if p.metrics != nil {
		status := "ok"
		if actErr != nil {
			status = "error"
		}
		p.metrics.Record(&observability.Metric{
			Name:      observability.MetricActionsTotal,
			Timestamp: time.Now(),
			Value:     1,
			Labels:    map[string]string{"verb": verb, "status": status},
			Unit:      "count",
		})
		name := observability.MetricActionDurationMs
		if verb == "navigate" {
			name = observability.MetricNavDurationMs
		}
		p.metrics.Record(&observability.Metric{
			Name:      name,
			Timestamp: time.Now(),
			Value:     float64(elapsed.Milliseconds()),
			Labels:    map[string]string{"verb": verb},
			Unit:      "milliseconds",
		})
	}

	if actErr != nil {
		actErr = p.enrich(ctx, page, req, actErr, elapsed)
		p.audit(sess, rings.TypeAction, verb, operator, req, page, nil, actErr, elapsed)
		return nil, actErr
	}

	if result == nil {
		result = map[string]any{}
	}
	result["status"] = "ok"
	result["page_rev"] = sess.Rev.Current()
	result["duration_ms"] = elapsed.Milliseconds()
	if waitedMs > 0 {
		result["policy_waited_ms"] = waitedMs
	}
	if ex.executedVia != "" {
		result["executed_via"] = ex.executedVia
	}
	p.audit(sess, rings.TypeAction, verb, operator, req, page, result, nil, elapsed)
	return result, nil
}

// stabilityBefore applies the pre-action stability settings: a fixed
// sleep, then a best-effort poll for document readiness.
func (p *Pipeline) stabilityBefore(ctx context.Context, page driver.Page, req *Request) {
	st := req.Stability
	if st == nil {
		return
	}
	if st.WaitBeforeMs > 0 {
		sleepFor(ctx, time.Duration(st.WaitBeforeMs)*time.Millisecond)
	}
	if st.WaitDomStableMs > 0 {
		deadline := time.Now().Add(time.Duration(st.WaitDomStableMs) * time.Millisecond)
		for time.Now().Before(deadline) {
			if page.ReadyState(ctx) == "complete" {
				return
			}
			if err := sleepFor(ctx, 100*time.Millisecond); err != nil {
				return
			}
		}
	}
}

// enrich attaches page diagnostics and a recovery hint to the failure.
// Errors that already carry their own wire shape pass through.
func (p *Pipeline) enrich(ctx context.Context, page driver.Page, req *Request, err error, elapsed time.Duration) error {
	var ae *ActionError
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case isPassthrough(err):
		return err
	}

	diag := Diagnostics{ElapsedMs: elapsed.Milliseconds()}
	dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	diag.URL = page.URL()
	if title, terr := page.Title(dctx); terr == nil {
		diag.Title = title
	}
	diag.ReadyState = page.ReadyState(dctx)

	var fnf *FrameNotFoundError
	if errors.As(err, &fnf) {
		diag.FrameSelector = &fnf.Selector
		diag.AvailableFrames = fnf.Available
		diag.RecoveryHint = "frame not found; pick one of available_frames or drop the frame selector"
		return &ActionError{Code: "frame_not_found", Message: err.Error(), Diag: diag, cause: err}
	}

	kind := driver.KindOf(err)
	diag.RecoveryHint = recoveryHint(kind)
	return &ActionError{Code: kind.String(), Message: err.Error(), Diag: diag, cause: err}
}

// isPassthrough marks error types the HTTP layer maps on its own.
func isPassthrough(err error) bool {
	var pf *PreflightError
	var denied *policy.Denied
	return errors.As(err, &pf) ||
		errors.As(err, &denied) ||
		errors.Is(err, session.ErrZombie) ||
		errors.Is(err, session.ErrNotActive) ||
		errors.Is(err, session.ErrNoPage) ||
		errors.Is(err, session.ErrLastPage) ||
		isStaleOrBadRef(err)
}

// audit appends one entry to the session ring and, when configured,
// mirrors it to the durable audit store.
func (p *Pipeline) audit(sess *session.Session, entryType, verb, operator string, req *Request, page driver.Page, result map[string]any, err error, elapsed time.Duration) {
	entry := rings.AuditEntry{
		Timestamp: time.Now().UTC(),
		V:         1,
		SessionID: sess.ID,
		ActionID:  sess.NextActionID(),
		Type:      entryType,
		Action:    verb,
		URL:       page.URL(),
		Selector:  req.SelectorLabel(),
		Params:    auditParams(req),
		Purpose:   req.Purpose,
		Operator:  operator,
	}
	if err != nil {
		entry.Error = err.Error()
	} else if result != nil {
		entry.Result = auditResult(result)
	}
	sess.Audit.Append(entry)

	if p.mirror != nil {
		m := p.mirror.NewActionEntry(sess.ID, strconv.FormatInt(entry.ActionID, 10), verb, entry.Params, entry.Result, err, elapsed)
		m.URL = entry.URL
		m.Selector = entry.Selector
		m.Purpose = req.Purpose
		m.Operator = operator
		m.EntryType = entryType
		p.mirror.LogAsync(m)
	}

	p.log.Debug("action",
		"session_id", sess.ID,
		"action_id", entry.ActionID,
		"action", verb,
		"operator", operator,
		"error", entry.Error,
	)
}

// auditPolicy records a policy event (deny or throttle) for the verb it
// gated.
func (p *Pipeline) auditPolicy(sess *session.Session, policyAction, verb, operator string, req *Request, page driver.Page, err error, waitedMs int64) {
	entry := rings.AuditEntry{
		Timestamp: time.Now().UTC(),
		V:         1,
		SessionID: sess.ID,
		ActionID:  sess.NextActionID(),
		Type:      rings.TypePolicy,
		Action:    policyAction,
		URL:       page.URL(),
		Selector:  req.SelectorLabel(),
		Params:    map[string]any{"verb": verb},
		Purpose:   req.Purpose,
		Operator:  operator,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if waitedMs > 0 {
		entry.Result = map[string]any{"waited_ms": waitedMs}
	}
	sess.Audit.Append(entry)
}

// auditParams keeps the audit trail readable: only the notable request
// fields, with free-text values truncated.
func auditParams(req *Request) map[string]any {
	out := map[string]any{}
	put := func(k, v string) {
		if v != "" {
			out[k] = truncate(v, 200)
		}
	}
	put("url", req.URL)
	put("value", req.Value)
	put("text", req.Text)
	put("key", req.Key)
	put("expression", req.Expression)
	put("query", req.Query)
	put("direction", req.Direction)
	put("state", req.State)
	put("property", req.Property)
	if req.Frame != nil {
		out["frame"] = fmt.Sprintf("%s=%s", req.Frame.Type, req.Frame.Value)
	}
	if req.X != nil && req.Y != nil {
		out["x"], out["y"] = *req.X, *req.Y
	}
	if len(req.Values) > 0 {
		out["values"] = req.Values
	}
	if req.Retry {
		out["retry"] = true
	}
	if req.Sensitive {
		out["sensitive"] = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// auditResult drops bulky payloads from the recorded result.
func auditResult(result map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range result {
		switch k {
		case "data", "content", "html", "elements", "screenshot":
			continue
		}
		if s, ok := v.(string); ok {
			v = truncate(s, 200)
		}
		out[k] = v
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// actionDomain extracts the policy throttle domain: the navigation
// target for navigate, the current page's host otherwise.
func actionDomain(verb string, req *Request, page driver.Page) string {
	raw := page.URL()
	if verb == "navigate" && req.URL != "" {
		raw = req.URL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
