package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"batchd/internal/executor"
	"batchd/internal/infra"
)

// Options controls how the pipeline runner client is configured.
type Options struct {
	// BaseURL of the external pipeline-runner service. Empty enables the
	// synthetic local mode, which keeps the engine fully operational in
	// development and CI without the external dependency.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Runner executes bulk-pipeline operations by invoking an external
// pipeline-runner service, one call per operation.
type Runner struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// descriptor is the operation payload a pipeline execution understands.
type descriptor struct {
	Pipeline string         `json:"pipeline"`
	Params   map[string]any `json:"params,omitempty"`
}

// NewRunner builds a pipeline runner from options.
func NewRunner(opts Options) *Runner {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Runner{
		baseURL:    opts.BaseURL,
		httpClient: client,
		logger:     opts.Logger,
	}
}

// Execute runs one pipeline operation. It satisfies the executor contract:
// a non-nil error marks the operation failed with the error text recorded.
func (r *Runner) Execute(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	var desc descriptor
	if err := json.Unmarshal(req.Descriptor, &desc); err != nil {
		return nil, fmt.Errorf("decode pipeline descriptor: %w", err)
	}
	if desc.Pipeline == "" {
		return nil, fmt.Errorf("pipeline descriptor missing pipeline name")
	}

	if r.baseURL == "" {
		return r.syntheticRun(ctx, req, desc)
	}

	body, err := json.Marshal(map[string]any{
		"pipeline":     desc.Pipeline,
		"params":       desc.Params,
		"operation_id": req.OperationID,
		"job_id":       req.JobID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pipeline request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/pipelines/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build pipeline request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke pipeline %s: %w", desc.Pipeline, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read pipeline response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline %s returned %d: %s", desc.Pipeline, resp.StatusCode, truncate(string(payload), 200))
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("pipeline %s returned invalid JSON", desc.Pipeline)
	}
	return payload, nil
}

// syntheticRun produces a deterministic local result so jobs can be exercised
// without a runner deployment.
func (r *Runner) syntheticRun(ctx context.Context, req executor.Request, desc descriptor) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.logger != nil {
		r.logger.Debug().
			Str("job_id", req.JobID).
			Str("op_id", req.OperationID).
			Str("pipeline", desc.Pipeline).
			Msg("pipeline runner not configured, returning synthetic result")
	}
	result := map[string]any{
		"pipeline":  desc.Pipeline,
		"status":    "passed",
		"synthetic": true,
	}
	return json.Marshal(result)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ executor.Executor = (*Runner)(nil)
