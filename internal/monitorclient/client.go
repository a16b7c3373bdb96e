// Package monitorclient is a thin authenticated HTTP client for the
// Monitor REST API (spec §4.2): one method per resource, classifying
// every failure as critical (abort the workflow) or best-effort (log and
// continue / hand off to the outbox) per spec §7.
package monitorclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/resilience"
)

const (
	defaultTimeout   = 10 * time.Second
	heartbeatTimeout = 5 * time.Second
)

// Config holds the Monitor connection parameters, sourced from
// SWF_MONITOR_HTTP_URL / SWF_API_TOKEN per spec §6.
type Config struct {
	BaseURL string
	Token   string
}

// ConfigFromEnv builds a Config from the environment.
func ConfigFromEnv() Config {
	return Config{
		BaseURL: strings.TrimSuffix(os.Getenv("SWF_MONITOR_HTTP_URL"), "/"),
		Token:   os.Getenv("SWF_API_TOKEN"),
	}
}

// Client is a single shared HTTP session, safe for serialized use by one
// agent process (spec §5: "one per agent, safe for serialized use").
type Client struct {
	cfg     Config
	http    *http.Client
	hbHTTP  *http.Client
	limiter *resilience.RateLimiter
}

// New creates a Client. Hostnames localhost/127.0.0.1 disable TLS
// certificate verification, matching the broker transport's local-dev
// convenience (spec §4.1). Outbound calls share one token-bucket
// RateLimiter so a burst of heartbeats, status events, and slice PATCHes
// from this agent cannot overwhelm the Monitor (spec §4.2).
func New(cfg Config) *Client {
	insecure := strings.Contains(cfg.BaseURL, "localhost") || strings.Contains(cfg.BaseURL, "127.0.0.1")
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: defaultTimeout, Transport: transport},
		hbHTTP:  &http.Client{Timeout: heartbeatTimeout, Transport: transport},
		limiter: resilience.NewRateLimiter(resilience.DefaultRateLimiterConfig()),
	}
}

// page is the optional pagination envelope Monitor responses may use.
type page[T any] struct {
	Results []T `json:"results"`
}

func decodeList[T any](data []byte) ([]T, error) {
	var p page[T]
	if err := json.Unmarshal(data, &p); err == nil && p.Results != nil {
		return p.Results, nil
	}
	var list []T
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body any, out any) (int, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.cfg.BaseURL + "/api/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// RawCall replays a pre-encoded request body against path, the shape the
// outbox needs to retry a call it only persisted as method/path/body
// (spec §4.2/§7): the original caller's struct no longer exists when the
// flusher wakes up, only the JSON it produced.
func (c *Client) RawCall(ctx context.Context, method, path string, body []byte) error {
	_, err := c.do(ctx, c.http, method, path, json.RawMessage(body), nil)
	return err
}

// Heartbeat upserts this agent's current state. Best-effort per spec §7.
func (c *Client) Heartbeat(ctx context.Context, instance core.AgentInstance) error {
	_, err := c.do(ctx, c.hbHTTP, http.MethodPost, "systemagents/heartbeat/", instance, nil)
	if err != nil {
		return core.ErrMonitorAPI("HEARTBEAT_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}

// PostSystemStateEvent appends an audit event. Best-effort.
func (c *Client) PostSystemStateEvent(ctx context.Context, event map[string]any) error {
	_, err := c.do(ctx, c.http, http.MethodPost, "system-state-events/", event, nil)
	if err != nil {
		return core.ErrMonitorAPI("EVENT_LOG_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}

// EnsureNamespace idempotently upserts a namespace row. Non-fatal on
// failure (spec §4.4.4).
func (c *Client) EnsureNamespace(ctx context.Context, namespace string) error {
	_, err := c.do(ctx, c.http, http.MethodPost, "namespaces/", map[string]string{"namespace": namespace}, nil)
	if err != nil {
		return core.ErrMonitorAPI("ENSURE_NAMESPACE_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}

// WorkflowDefinitionDTO mirrors the workflow-definitions/ resource.
type WorkflowDefinitionDTO struct {
	ID              int            `json:"id,omitempty"`
	WorkflowName    string         `json:"workflow_name"`
	Version         string         `json:"version"`
	WorkflowType    string         `json:"workflow_type"`
	Definition      string         `json:"definition"`
	ParameterValues map[string]any `json:"parameter_values"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
}

// GetWorkflowDefinition looks up a definition by (workflowName, version).
// Critical: failures abort registration (spec §4.4.3).
func (c *Client) GetWorkflowDefinition(ctx context.Context, workflowName, version string) (*WorkflowDefinitionDTO, bool, error) {
	path := "workflow-definitions/?" + url.Values{
		"workflow_name": {workflowName},
		"version":       {version},
	}.Encode()

	var raw json.RawMessage
	if _, err := c.do(ctx, c.http, http.MethodGet, path, nil, &raw); err != nil {
		return nil, false, core.ErrMonitorAPI("DEFINITION_LOOKUP_FAILED", err.Error(), true).WithCause(err)
	}

	defs, err := decodeList[WorkflowDefinitionDTO](raw)
	if err != nil {
		return nil, false, core.ErrMonitorAPI("DEFINITION_LOOKUP_FAILED", err.Error(), true).WithCause(err)
	}
	if len(defs) == 0 {
		return nil, false, nil
	}
	return &defs[0], true, nil
}

// CreateWorkflowDefinition registers a new, immutable definition.
func (c *Client) CreateWorkflowDefinition(ctx context.Context, def WorkflowDefinitionDTO) (*WorkflowDefinitionDTO, error) {
	var created WorkflowDefinitionDTO
	if _, err := c.do(ctx, c.http, http.MethodPost, "workflow-definitions/", def, &created); err != nil {
		return nil, core.ErrMonitorAPI("DEFINITION_CREATE_FAILED", err.Error(), true).WithCause(err)
	}
	return &created, nil
}

// WorkflowExecutionDTO mirrors the workflow-executions/ resource.
type WorkflowExecutionDTO struct {
	ExecutionID      string         `json:"execution_id"`
	WorkflowName     string         `json:"workflow_name"`
	Namespace        string         `json:"namespace"`
	Status           string         `json:"status"`
	ExecutedBy       string         `json:"executed_by"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	ParameterValues  map[string]any `json:"parameter_values"`
}

// CreateWorkflowExecution creates the execution record with status
// "running". Critical (spec §4.4.4, §7).
func (c *Client) CreateWorkflowExecution(ctx context.Context, exec WorkflowExecutionDTO) error {
	if _, err := c.do(ctx, c.http, http.MethodPost, "workflow-executions/", exec, nil); err != nil {
		return core.ErrMonitorAPI("EXECUTION_CREATE_FAILED", err.Error(), true).WithCause(err)
	}
	return nil
}

// PatchWorkflowExecution updates status/end_time. Critical when marking
// failed/completed/terminated is the only record of a run's outcome.
func (c *Client) PatchWorkflowExecution(ctx context.Context, executionID string, fields map[string]any) error {
	path := "workflow-executions/" + url.PathEscape(executionID) + "/"
	if _, err := c.do(ctx, c.http, http.MethodPatch, path, fields, nil); err != nil {
		return core.ErrMonitorAPI("EXECUTION_PATCH_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}

// GetWorkflowExecution fetches one execution record by id, used by
// Fast-Processing to recover workflow parameters on mid-run startup
// (spec §4.5.2).
func (c *Client) GetWorkflowExecution(ctx context.Context, executionID string) (*WorkflowExecutionDTO, error) {
	var exec WorkflowExecutionDTO
	path := "workflow-executions/" + url.PathEscape(executionID) + "/"
	if _, err := c.do(ctx, c.http, http.MethodGet, path, nil, &exec); err != nil {
		return nil, core.ErrMonitorAPI("EXECUTION_GET_FAILED", err.Error(), false).WithCause(err)
	}
	return &exec, nil
}

// CountWorkflowExecutions is the execution-id-allocation fallback: GET,
// count the results, the caller adds 1 (spec §4.4.2).
func (c *Client) CountWorkflowExecutions(ctx context.Context, workflowName string) (int, error) {
	path := "workflow-executions/?" + url.Values{"workflow_name": {workflowName}}.Encode()
	var raw json.RawMessage
	if _, err := c.do(ctx, c.http, http.MethodGet, path, nil, &raw); err != nil {
		return 0, core.ErrMonitorAPI("EXECUTION_COUNT_FAILED", err.Error(), true).WithCause(err)
	}
	execs, err := decodeList[WorkflowExecutionDTO](raw)
	if err != nil {
		return 0, core.ErrMonitorAPI("EXECUTION_COUNT_FAILED", err.Error(), true).WithCause(err)
	}
	return len(execs), nil
}

// NextWorkflowExecutionID allocates the next execution sequence number.
// Critical: §4.4.2 says "no random fallback — if both fail, abort".
func (c *Client) NextWorkflowExecutionID(ctx context.Context, workflowName string) (int, error) {
	var resp struct {
		Sequence int `json:"sequence"`
	}
	if _, err := c.do(ctx, c.http, http.MethodPost, "state/next-workflow-execution-id/", map[string]string{"workflow_name": workflowName}, &resp); err != nil {
		return 0, core.ErrMonitorAPI("NEXT_EXECUTION_ID_FAILED", err.Error(), true).WithCause(err)
	}
	return resp.Sequence, nil
}

// NextRunNumber allocates a monotonic run_number for a new physics run.
func (c *Client) NextRunNumber(ctx context.Context) (int, error) {
	var resp struct {
		RunNumber int `json:"run_number"`
	}
	if _, err := c.do(ctx, c.http, http.MethodPost, "state/next-run-number/", nil, &resp); err != nil {
		return 0, core.ErrMonitorAPI("NEXT_RUN_NUMBER_FAILED", err.Error(), true).WithCause(err)
	}
	return resp.RunNumber, nil
}

// RunStateDTO mirrors the run-states/ resource.
type RunStateDTO struct {
	RunNumber int            `json:"run_number"`
	Phase     string         `json:"phase"`
	State     string         `json:"state"`
	Substate  *string        `json:"substate"`
	Counters  map[string]int `json:"counters"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateRunState creates the run-state row. Only the Workflow Runner
// calls this (spec §3).
func (c *Client) CreateRunState(ctx context.Context, rs RunStateDTO) error {
	if _, err := c.do(ctx, c.http, http.MethodPost, "run-states/", rs, nil); err != nil {
		return core.ErrMonitorAPI("RUN_STATE_CREATE_FAILED", err.Error(), true).WithCause(err)
	}
	return nil
}

// GetRunState reads the current run-state row, the first half of the
// read-modify-write counter update described in spec §4.5.2/§9.
func (c *Client) GetRunState(ctx context.Context, runNumber int) (*RunStateDTO, error) {
	var rs RunStateDTO
	path := fmt.Sprintf("run-states/%d/", runNumber)
	if _, err := c.do(ctx, c.http, http.MethodGet, path, nil, &rs); err != nil {
		return nil, core.ErrMonitorAPI("RUN_STATE_GET_FAILED", err.Error(), false).WithCause(err)
	}
	return &rs, nil
}

// PatchRunState updates run-state fields/counters. Best-effort.
func (c *Client) PatchRunState(ctx context.Context, runNumber int, fields map[string]any) error {
	path := fmt.Sprintf("run-states/%d/", runNumber)
	if _, err := c.do(ctx, c.http, http.MethodPatch, path, fields, nil); err != nil {
		return core.ErrMonitorAPI("RUN_STATE_PATCH_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}

// TFSliceDTO mirrors the tf-slices/ resource.
type TFSliceDTO struct {
	ID           int            `json:"id,omitempty"`
	RunNumber    int            `json:"run_number"`
	SliceID      int            `json:"slice_id"`
	TFFirst      int            `json:"tf_first"`
	TFLast       int            `json:"tf_last"`
	TFCount      int            `json:"tf_count"`
	TFFilename   string         `json:"tf_filename"`
	STFFilename  string         `json:"stf_filename"`
	Status       string         `json:"status"`
	Retries      int            `json:"retries"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CreateTFSlice creates a slice record. Best-effort per spec §7 (slice
// PATCH/creation failures are logged and continued, the slice message is
// still sent because the STOMP queue is durable).
func (c *Client) CreateTFSlice(ctx context.Context, slice TFSliceDTO) (*TFSliceDTO, error) {
	var created TFSliceDTO
	if _, err := c.do(ctx, c.http, http.MethodPost, "tf-slices/", slice, &created); err != nil {
		return nil, core.ErrMonitorAPI("TF_SLICE_CREATE_FAILED", err.Error(), false).WithCause(err)
	}
	return &created, nil
}

// FindTFSlice looks up a slice's Monitor row id by (runNumber, sliceID),
// the lookup half of slice_result ingest (spec §4.5.2).
func (c *Client) FindTFSlice(ctx context.Context, runNumber, sliceID int) (*TFSliceDTO, bool, error) {
	path := "tf-slices/?" + url.Values{
		"run_number": {fmt.Sprint(runNumber)},
		"slice_id":   {fmt.Sprint(sliceID)},
	}.Encode()

	var raw json.RawMessage
	if _, err := c.do(ctx, c.http, http.MethodGet, path, nil, &raw); err != nil {
		return nil, false, core.ErrMonitorAPI("TF_SLICE_LOOKUP_FAILED", err.Error(), false).WithCause(err)
	}
	slices, err := decodeList[TFSliceDTO](raw)
	if err != nil {
		return nil, false, core.ErrMonitorAPI("TF_SLICE_LOOKUP_FAILED", err.Error(), false).WithCause(err)
	}
	if len(slices) == 0 {
		return nil, false, nil
	}
	return &slices[0], true, nil
}

// PatchTFSlice updates a slice's status/metadata. Best-effort.
func (c *Client) PatchTFSlice(ctx context.Context, id int, fields map[string]any) error {
	path := fmt.Sprintf("tf-slices/%d/", id)
	if _, err := c.do(ctx, c.http, http.MethodPatch, path, fields, nil); err != nil {
		return core.ErrMonitorAPI("TF_SLICE_PATCH_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}

// FastMonFileDTO mirrors the fastmon-files/ resource.
type FastMonFileDTO struct {
	STFParentFilename string         `json:"stf_parent_filename"`
	TFFilename        string         `json:"tf_filename"`
	FileSizeBytes     int64          `json:"file_size_bytes"`
	Status            string         `json:"status"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// CreateFastMonFile records a TF file produced from an stf_ready message.
// Best-effort.
func (c *Client) CreateFastMonFile(ctx context.Context, f FastMonFileDTO) error {
	if _, err := c.do(ctx, c.http, http.MethodPost, "fastmon-files/", f, nil); err != nil {
		return core.ErrMonitorAPI("FASTMON_FILE_CREATE_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}

// AIMemoryTurn is one dialogue turn of the ai-memory/ resource (spec §1,
// out of core scope but carried per SPEC_FULL.md's peripheral-agent list).
type AIMemoryTurn struct {
	Namespace string    `json:"namespace"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ListAIMemory reads dialogue turns for a namespace.
func (c *Client) ListAIMemory(ctx context.Context, namespace string) ([]AIMemoryTurn, error) {
	path := "ai-memory/?" + url.Values{"namespace": {namespace}}.Encode()
	var raw json.RawMessage
	if _, err := c.do(ctx, c.http, http.MethodGet, path, nil, &raw); err != nil {
		return nil, core.ErrMonitorAPI("AI_MEMORY_LIST_FAILED", err.Error(), false).WithCause(err)
	}
	return decodeList[AIMemoryTurn](raw)
}

// AppendAIMemory appends a dialogue turn.
func (c *Client) AppendAIMemory(ctx context.Context, turn AIMemoryTurn) error {
	if _, err := c.do(ctx, c.http, http.MethodPost, "ai-memory/", turn, nil); err != nil {
		return core.ErrMonitorAPI("AI_MEMORY_APPEND_FAILED", err.Error(), false).WithCause(err)
	}
	return nil
}
