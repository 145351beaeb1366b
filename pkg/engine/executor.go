package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

// DefaultRequestTimeout bounds each HTTP_REQUEST node when the input
// does not override it.
const DefaultRequestTimeout = 30 * time.Second

// Input identifies one execution of a resolved plan. The plan must have
// every $secret and $variable marker already substituted.
type Input struct {
	Plan           *plan.Plan
	ExecutionID    string
	PlanID         string
	OrganizationID string
	Environment    string
	Location       string

	// Timeout is the per-request deadline. Zero means
	// DefaultRequestTimeout.
	Timeout time.Duration
}

// Callbacks are invoked exactly once each, before the first node and
// after the last. They are how the caller tracks run state.
type Callbacks struct {
	OnStart    func(ctx context.Context) error
	OnComplete func(ctx context.Context, result *Result) error
}

// ResponseSummary is the serializable record of an HTTP response kept on
// the node result.
type ResponseSummary struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// NodeResult records the outcome of one node.
type NodeResult struct {
	NodeID     string           `json:"nodeId"`
	Type       plan.NodeType    `json:"type"`
	Success    bool             `json:"success"`
	DurationMS int64            `json:"durationMs"`
	Error      string           `json:"error,omitempty"`
	Response   *ResponseSummary `json:"response,omitempty"`
}

// Result aggregates a whole execution. Success requires every node to
// succeed and every assertion to hold.
type Result struct {
	Success         bool         `json:"success"`
	Results         []NodeResult `json:"results"`
	Errors          []string     `json:"errors,omitempty"`
	TotalDurationMS int64        `json:"totalDurationMs"`
}

// Config configures an Executor.
type Config struct {
	// Client performs HTTP_REQUEST nodes. Nil means http.DefaultClient.
	Client HTTPDoer

	// Emitter receives lifecycle events. Nil disables emission.
	Emitter Emitter

	Logger *telemetry.Logger
}

// Executor runs resolved plans node by node in topological order.
type Executor struct {
	client  HTTPDoer
	emitter Emitter
	logger  *telemetry.Logger

	// sleep is swapped out by tests so WAIT nodes do not stall them.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor from the config.
func NewExecutor(cfg Config) *Executor {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Executor{
		client:  client,
		emitter: cfg.Emitter,
		logger:  logger.NewComponentLogger("engine"),
		sleep:   sleepCtx,
	}
}

// Execute runs the plan. Transport and assertion failures are recorded
// on node results and make the overall result unsuccessful, but never
// abort the remaining nodes. A non-nil error is returned only for
// pre-flight failures (bad graph) or callback failures.
func (ex *Executor) Execute(ctx context.Context, in Input, cb Callbacks) (*Result, error) {
	order, err := Linearize(in.Plan)
	if err != nil {
		return nil, err
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	sink := &eventSink{
		emitter:        ex.emitter,
		executionID:    in.ExecutionID,
		planID:         in.PlanID,
		organizationID: in.OrganizationID,
	}
	logger := ex.logger.WithField("execution_id", in.ExecutionID).WithField("plan_id", in.PlanID)

	if cb.OnStart != nil {
		if err := cb.OnStart(ctx); err != nil {
			return nil, NewTransientError("start callback", err).WithCode(ErrCodeJobProcessing)
		}
	}

	start := time.Now()
	sink.emit(EventPlanStart, map[string]any{
		"location":    in.Location,
		"environment": in.Environment,
		"nodeCount":   len(order),
	})

	responses := make(map[string]*Response, len(order))
	result := &Result{Success: true, Results: make([]NodeResult, 0, len(order))}

	for _, id := range order {
		node := in.Plan.Node(id)
		sink.emit(EventNodeStart, map[string]any{"nodeId": id, "nodeType": string(node.NodeType())})

		nodeStart := time.Now()
		nr := ex.executeNode(ctx, node, timeout, responses, sink)
		nr.DurationMS = time.Since(nodeStart).Milliseconds()

		if !nr.Success {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", id, nr.Error))
			logger.WithField("node_id", id).Warnf("node failed: %s", nr.Error)
			sink.emit(EventError, map[string]any{"nodeId": id, "error": nr.Error})
		}
		result.Results = append(result.Results, nr)
		sink.emit(EventNodeEnd, map[string]any{
			"nodeId":     id,
			"success":    nr.Success,
			"durationMs": nr.DurationMS,
		})
	}

	result.TotalDurationMS = time.Since(start).Milliseconds()
	sink.emit(EventPlanEnd, map[string]any{
		"success":    result.Success,
		"durationMs": result.TotalDurationMS,
		"errorCount": len(result.Errors),
	})

	if cb.OnComplete != nil {
		if err := cb.OnComplete(ctx, result); err != nil {
			return result, NewTransientError("completion callback", err).WithCode(ErrCodeJobProcessing)
		}
	}
	return result, nil
}

func (ex *Executor) executeNode(ctx context.Context, node plan.Node, timeout time.Duration, responses map[string]*Response, sink *eventSink) NodeResult {
	nr := NodeResult{NodeID: node.NodeID(), Type: node.NodeType(), Success: true}

	switch n := node.(type) {
	case plan.HTTPRequestNode:
		sink.emit(EventHTTPRequest, map[string]any{
			"nodeId": n.ID,
			"method": string(n.Method),
			"url":    n.Base.Literal + n.Path,
		})
		resp, err := performRequest(ctx, ex.client, n, timeout)
		if err != nil {
			nr.Success = false
			nr.Error = errorMessage(err)
			return nr
		}
		responses[n.ID] = resp
		nr.Response = &ResponseSummary{
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    summaryBody(resp),
		}
		sink.emit(EventHTTPResponse, map[string]any{
			"nodeId": n.ID,
			"status": resp.Status,
		})

	case plan.WaitNode:
		sink.emit(EventWaitStart, map[string]any{"nodeId": n.ID, "durationMs": n.DurationMS})
		if err := ex.sleep(ctx, time.Duration(n.DurationMS)*time.Millisecond); err != nil {
			nr.Success = false
			nr.Error = err.Error()
		}

	case plan.AssertionNode:
		failures := evaluateAssertions(n, responses)
		for _, failure := range failures {
			sink.emit(EventAssertionResult, map[string]any{
				"nodeId": n.ID,
				"passed": false,
				"detail": failure,
			})
		}
		if len(failures) > 0 {
			nr.Success = false
			nr.Error = strings.Join(failures, "; ")
		} else {
			sink.emit(EventAssertionResult, map[string]any{"nodeId": n.ID, "passed": true})
		}

	default:
		nr.Success = false
		nr.Error = fmt.Sprintf("unsupported node type %q", node.NodeType())
	}
	return nr
}

// summaryBody returns a serializable body for result reporting. XML
// documents are reported as their raw text.
func summaryBody(resp *Response) any {
	if _, ok := resp.Body.(*etree.Document); ok {
		return resp.Raw
	}
	return resp.Body
}

func errorMessage(err error) string {
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Message != "" {
		return ee.Message
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
