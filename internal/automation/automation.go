// Package automation is the port to the browser driver that fills a portal's
// forms. Requests and results are JSON; a driver is either an external
// process (SubprocessRunner) or an in-process go-rod session (RodRunner).
package automation

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/customs-cli/internal/credential"
	"github.com/sells-group/customs-cli/internal/model"
)

var (
	// ErrTimeout means the driver did not finish within the request timeout.
	ErrTimeout = eris.New("automation: timeout")
	// ErrDecode means the driver's output was empty or not a JSON result.
	ErrDecode = eris.New("automation: undecodable result")
	// ErrProcess means the driver could not be started or crashed without a
	// structured result.
	ErrProcess = eris.New("automation: driver process error")
)

// Workflow step actions understood by RodRunner.
const (
	ActionNavigate      = "navigate"
	ActionFill          = "fill"
	ActionClick         = "click"
	ActionFillFields    = "fill_fields"
	ActionWait          = "wait"
	ActionScreenshot    = "screenshot"
	ActionReadReference = "read_reference"
)

// FieldSelectors tells the driver where a data key goes on the portal.
type FieldSelectors struct {
	Field     string   `json:"field"`
	Page      string   `json:"page,omitempty"`
	Selectors []string `json:"selectors"`
}

// Request is the payload handed to the driver.
type Request struct {
	Action            string                 `json:"action"`
	BaseURL           string                 `json:"baseUrl"`
	LoginURL          string                 `json:"loginUrl"`
	Credentials       credential.Credentials `json:"credentials"`
	Data              map[string]string      `json:"data"`
	FieldMappings     []FieldSelectors       `json:"fieldMappings"`
	WorkflowSteps     []model.WorkflowStep   `json:"workflowSteps"`
	TimeoutMs         int64                  `json:"timeoutMs"`
	ScreenshotDir     string                 `json:"screenshotDir"`
	ReferenceSelector string                 `json:"referenceSelector,omitempty"`
}

// Result is the driver's structured answer.
type Result struct {
	Success         bool                  `json:"success"`
	ReferenceNumber string                `json:"referenceNumber,omitempty"`
	TDNumber        string                `json:"tdNumber,omitempty"`
	Message         string                `json:"message,omitempty"`
	Error           string                `json:"error,omitempty"`
	ErrorsHandled   []string              `json:"errorsHandled,omitempty"`
	Warnings        []string              `json:"warnings,omitempty"`
	Screenshots     []string              `json:"screenshots,omitempty"`
	AIDecisions     []model.MatchDecision `json:"aiDecisions,omitempty"`
}

// Reference returns the portal reference for profile. CAPS portals report a
// TD number; everything else a reference number. Either falls back to the
// other.
func (r *Result) Reference(profile model.PortalProfile) string {
	if profile == model.PortalProfileCAPS {
		if r.TDNumber != "" {
			return r.TDNumber
		}
		return r.ReferenceNumber
	}
	if r.ReferenceNumber != "" {
		return r.ReferenceNumber
	}
	return r.TDNumber
}

// Job is one driver invocation. PayloadPath points at a file holding Request
// as JSON; the caller owns and removes it.
type Job struct {
	PayloadPath string
	Request     Request
}

// Runner executes a job. Implementations return ErrTimeout, ErrDecode or
// ErrProcess (wrapped) when no structured result is available.
type Runner interface {
	Run(ctx context.Context, job Job) (*Result, error)
}

// DecodeResult parses driver output. Surrounding whitespace is allowed;
// anything else that is not a single JSON object is ErrDecode.
func DecodeResult(out []byte) (*Result, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, eris.Wrap(ErrDecode, "empty output")
	}
	if out[0] != '{' {
		return nil, eris.Wrapf(ErrDecode, "output is not a JSON object: %q", truncate(string(out), 200))
	}

	var res Result
	dec := json.NewDecoder(bytes.NewReader(out))
	if err := dec.Decode(&res); err != nil {
		return nil, eris.Wrapf(ErrDecode, "%v", err)
	}
	if dec.More() {
		return nil, eris.Wrap(ErrDecode, "trailing data after result object")
	}
	return &res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
