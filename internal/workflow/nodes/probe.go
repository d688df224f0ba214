package nodes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

// ProbeInput configures one endpoint check.
type ProbeInput struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	ExpectStatus int    `json:"expect_status,omitempty"`
	Contains     string `json:"contains,omitempty"`
}

// ProbeOutput is the check verdict. OK false is a finding, not a node
// failure; downstream nodes decide whether to alert.
type ProbeOutput struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code"`
	LatencyMS  int64  `json:"latency_ms"`
	Reason     string `json:"reason,omitempty"`
}

// Probe is the watcher's endpoint check: fetch a URL and verify status code
// and an optional body marker.
type Probe struct{}

// Validate requires a URL.
func (p *Probe) Validate(input ProbeInput) workflow.ValidationResult {
	if input.URL == "" {
		return workflow.Invalid("url is required")
	}
	return workflow.Valid()
}

// Execute performs the check. Transport errors fail the node so the retry
// policy applies; a reachable endpoint with a wrong answer is an OK=false
// verdict instead.
func (p *Probe) Execute(ctx context.Context, input ProbeInput, nc *workflow.NodeContext) (ProbeOutput, *workflow.ResultError) {
	method := input.Method
	if method == "" {
		method = http.MethodGet
	}
	client := nc.Deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, method, input.URL, nil)
	if err != nil {
		return ProbeOutput{}, &workflow.ResultError{Code: "bad_request", Message: err.Error()}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return ProbeOutput{}, &workflow.ResultError{Code: "unreachable", Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProbeOutput{}, &workflow.ResultError{Code: "read_failed", Message: err.Error()}
	}

	out := ProbeOutput{
		OK:         true,
		StatusCode: resp.StatusCode,
		LatencyMS:  time.Since(start).Milliseconds(),
	}
	expect := input.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	if resp.StatusCode != expect {
		out.OK = false
		out.Reason = fmt.Sprintf("status %d, expected %d", resp.StatusCode, expect)
		return out, nil
	}
	if input.Contains != "" && !strings.Contains(string(body), input.Contains) {
		out.OK = false
		out.Reason = fmt.Sprintf("marker %q not found in response", input.Contains)
	}
	return out, nil
}
