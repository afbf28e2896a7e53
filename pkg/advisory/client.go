// Package advisory asks an external patch service for remediation proposals
// when the gateway confirms an attack. Proposals are advice, never action:
// the default mode holds every proposal for human approval, and nothing in
// this package can influence a scoring decision.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/httputil"
)

// ProposeRequest describes one confirmed attack to the patch service.
type ProposeRequest struct {
	AttackType     string `json:"attack_type"`
	AttackPayload  string `json:"attack_payload"`
	TargetEndpoint string `json:"target_endpoint"`
	VulnerableCode string `json:"vulnerable_code,omitempty"`
}

// PatchResult is the service's proposed remediation.
type PatchResult struct {
	PatchedCode      string  `json:"patched_code"`
	UnifiedDiff      string  `json:"unified_diff"`
	Explanation      string  `json:"explanation"`
	UnitTest         string  `json:"unit_test"`
	SecurityAnalysis string  `json:"security_analysis"`
	Confidence       float64 `json:"confidence"`
}

// Client talks to the patch service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient points at the patch service. An empty baseURL returns nil and
// the advisory tier stays disabled.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		http:    httputil.SlowClient(),
		logger:  logger.With().Str("component", "advisory.client").Logger(),
	}
}

// ProposePatch submits the attack and returns the proposed fix.
func (c *Client) ProposePatch(ctx context.Context, req ProposeRequest) (*PatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal propose request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/propose_patch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create propose request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("patch service unreachable: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("patch service returned status %d", resp.StatusCode)
	}

	var result PatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode patch response: %w", err)
	}
	return &result, nil
}
