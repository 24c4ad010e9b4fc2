package analytic

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"docflow/internal/document"
	"docflow/internal/ingest"
	"docflow/internal/message"
)

// FieldReturn holds an analytic's return value in the final status.
const FieldReturn = "return"

// SyncExec runs req in the calling goroutine on a coordinator derived from
// base and returns the final status record. On failure the status is marked
// as errored, reported, and returned together with the error.
func SyncExec(ctx context.Context, reg *Registry, base *ingest.Coordinator, req Request, includeResults bool) (document.Document, error) {
	a, err := reg.Get(req.AnalyticName)
	if err != nil {
		return nil, err
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	c := base.Derive(req.AnalyticName, req.SessionID, req.Parameters)
	c.IncludeResultsInStatus(includeResults)

	result, runErr := run(ctx, c, a, req)
	if runErr != nil {
		_ = c.Error(ctx, runErr.Error())
		return c.Status(), runErr
	}
	if err := c.Finished(ctx); err != nil {
		return c.Status(), err
	}

	status := c.Status()
	if result != nil {
		status[FieldReturn] = jsonify(result)
	}
	return status, nil
}

func run(ctx context.Context, c *ingest.Coordinator, a Analytic, req Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analytic %s panicked: %v\n%s", req.AnalyticName, r, debug.Stack())
		}
	}()
	if err := c.Started(ctx); err != nil {
		return nil, err
	}
	if pc, ok := a.(ParameterChecker); ok {
		if err := pc.CheckParameters(req.Parameters); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParameters, err)
		}
	}
	return a.Run(ctx, c, req)
}

// jsonify reduces v to plain JSON values, or its string form when it has
// none.
func jsonify(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// AsyncExec leaves req as a retained request for any worker whose labels
// match req.Worker, and returns the request as published.
func AsyncExec(ctx context.Context, ch *message.Channel, req Request) (document.Document, error) {
	doc := req.Document()
	if err := ch.PublishAnalyticRequest(ctx, doc); err != nil {
		return nil, fmt.Errorf("publish analytic request: %w", err)
	}
	return doc, nil
}
