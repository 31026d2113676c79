// Package classifier maps raw execution outcomes to a failure class and a
// retry recommendation. It performs no I/O.
package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dukex/labrun/pkg/models"
)

// Synthetic statuses produced by the poller rather than by adapters.
const (
	StatusTimeout      = "timeout"
	StatusStaleUnknown = "stale_unknown"
)

// Failure codes assigned by the rule table.
const (
	CodeTimeout          = "EXECUTION_TIMEOUT"
	CodeStaleUnknown     = "STALE_UNKNOWN_STATUS"
	CodeNetwork          = "NETWORK_ERROR"
	CodeRateLimited      = "ADAPTER_RATE_LIMITED"
	CodeAdapter5xx       = "ADAPTER_5XX"
	CodeAdapter4xx       = "ADAPTER_4XX"
	CodeMalformed        = "MALFORMED_PAYLOAD"
	CodeValidation       = "VALIDATION_REJECTED"
	CodeRecoverableExit  = "RECOVERABLE_EXIT"
	CodeProcessExit      = "PROCESS_EXIT"
	CodeCanceled         = "CANCELED"
	CodeUnknown          = "UNKNOWN_FAILURE"
	CodeExecutorFailure  = "EXECUTOR_EXCEPTION"
	CodeAdapterReported  = "ADAPTER_REPORTED"
	CodeAdapterFailed    = "ADAPTER_FAILED"
	CodeBadSidecarOutput = "BAD_SIDECAR_RESPONSE"
)

// Input is everything the classifier looks at.
type Input struct {
	Mode      models.ExecutionMode
	ExitCode  *int
	StatusRaw string
	Stderr    string

	// HintClass and HintCode carry a failure the adapter classified itself.
	HintClass models.FailureClass
	HintCode  string
}

type rule struct {
	name  string
	match func(in Input, text string) bool
	apply func(in Input, text string) models.Failure
}

var (
	httpStatus = regexp.MustCompile(`(?i)\b(?:http|status)[ _:=-]*([1-5][0-9]{2})\b`)

	networkMarkers = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"dial tcp",
		"temporarily unavailable",
		"tls handshake timeout",
		"unexpected eof",
	}
	malformedMarkers = []string{
		"malformed",
		"invalid json",
		"unexpected end of json",
		"cannot unmarshal",
		"parse error",
		strings.ToLower(CodeBadSidecarOutput),
	}
	validationMarkers = []string{
		"validation",
		"schema",
		"rejected",
		"unprocessable",
		"not allowed",
	}
	canceledStatuses = map[string]bool{
		"canceled":  true,
		"cancelled": true,
		"stopped":   true,
		"aborted":   true,
	}

	// Exit codes from sysexits.h and signal exits that indicate a condition
	// that may clear on its own.
	recoverableExitCodes = map[int]string{
		69:  "service unavailable",
		75:  "temporary failure",
		124: "command timed out",
		137: "killed",
		143: "terminated",
	}
	terminalExitCodes = map[int]string{
		2:  "usage error",
		64: "usage error",
		65: "data format error",
		66: "input missing",
		78: "configuration error",
	}
)

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{
		name:  "adapter hint",
		match: func(in Input, _ string) bool { return in.HintClass.Valid() },
		apply: func(in Input, _ string) models.Failure {
			code := in.HintCode
			if code == "" {
				code = CodeAdapterReported
			}

			return models.Failure{
				Class:            in.HintClass,
				RetryRecommended: in.HintClass == models.FailureClassTransient,
				Code:             code,
				Reason:           withDetail("adapter reported "+string(in.HintClass)+" failure", in.Stderr),
			}
		},
	},
	{
		name:  "poller timeout",
		match: func(in Input, _ string) bool { return in.StatusRaw == StatusTimeout },
		apply: func(in Input, _ string) models.Failure {
			return terminal(CodeTimeout, withDetail("execution timed out", in.Stderr))
		},
	},
	{
		name:  "poller stale unknown",
		match: func(in Input, _ string) bool { return in.StatusRaw == StatusStaleUnknown },
		apply: func(in Input, _ string) models.Failure {
			return terminal(CodeStaleUnknown, withDetail("adapter status stayed unknown past the staleness window", in.Stderr))
		},
	},
	{
		name:  "canceled",
		match: func(in Input, _ string) bool { return canceledStatuses[normalize(in.StatusRaw)] },
		apply: func(in Input, _ string) models.Failure {
			return terminal(CodeCanceled, "adapter reported the run as "+normalize(in.StatusRaw))
		},
	},
	{
		name:  "network error",
		match: func(_ Input, text string) bool { return containsAny(text, networkMarkers) },
		apply: func(in Input, _ string) models.Failure {
			return transient(CodeNetwork, withDetail("network error reaching adapter", in.Stderr))
		},
	},
	{
		name: "rate limited",
		match: func(in Input, _ string) bool {
			code, ok := statusCode(in)
			return ok && code == 429
		},
		apply: func(_ Input, _ string) models.Failure {
			return transient(CodeRateLimited, "adapter responded 429")
		},
	},
	{
		name: "adapter 5xx",
		match: func(in Input, _ string) bool {
			code, ok := statusCode(in)
			return ok && code >= 500
		},
		apply: func(in Input, _ string) models.Failure {
			code, _ := statusCode(in)
			return transient(CodeAdapter5xx, fmt.Sprintf("adapter responded %d", code))
		},
	},
	{
		name: "adapter 4xx",
		match: func(in Input, _ string) bool {
			code, ok := statusCode(in)
			return ok && code >= 400 && code < 500
		},
		apply: func(in Input, _ string) models.Failure {
			code, _ := statusCode(in)
			return terminal(CodeAdapter4xx, fmt.Sprintf("adapter rejected the request with %d", code))
		},
	},
	{
		name:  "malformed payload",
		match: func(_ Input, text string) bool { return containsAny(text, malformedMarkers) },
		apply: func(in Input, _ string) models.Failure {
			return terminal(CodeMalformed, withDetail("malformed adapter payload", in.Stderr))
		},
	},
	{
		name:  "validation rejection",
		match: func(_ Input, text string) bool { return containsAny(text, validationMarkers) },
		apply: func(in Input, _ string) models.Failure {
			return terminal(CodeValidation, withDetail("adapter rejected the plan", in.Stderr))
		},
	},
	{
		name: "recoverable exit code",
		match: func(in Input, _ string) bool {
			if in.ExitCode == nil {
				return false
			}

			_, ok := recoverableExitCodes[*in.ExitCode]

			return ok
		},
		apply: func(in Input, _ string) models.Failure {
			return transient(CodeRecoverableExit, fmt.Sprintf("process exited %d (%s)", *in.ExitCode, recoverableExitCodes[*in.ExitCode]))
		},
	},
	{
		name: "terminal exit code",
		match: func(in Input, _ string) bool {
			if in.ExitCode == nil {
				return false
			}

			_, ok := terminalExitCodes[*in.ExitCode]

			return ok
		},
		apply: func(in Input, _ string) models.Failure {
			return terminal(fmt.Sprintf("%s_%d", CodeProcessExit, *in.ExitCode), fmt.Sprintf("process exited %d (%s)", *in.ExitCode, terminalExitCodes[*in.ExitCode]))
		},
	},
}

// Classify returns the failure for in. Combinations no rule recognises are
// unknown and not retried.
func Classify(in Input) models.Failure {
	text := strings.ToLower(in.StatusRaw + "\n" + in.Stderr)

	for _, r := range rules {
		if r.match(in, text) {
			return r.apply(in, text)
		}
	}

	reason := "unrecognised failure"
	if in.Mode != "" {
		reason += " in " + string(in.Mode) + " mode"
	}

	if in.ExitCode != nil {
		reason += fmt.Sprintf(", exit code %d", *in.ExitCode)
	}

	code := CodeUnknown
	if normalize(in.StatusRaw) == "failed" || normalize(in.StatusRaw) == "error" {
		code = CodeAdapterFailed
	}

	return models.Failure{
		Class:            models.FailureClassUnknown,
		RetryRecommended: false,
		Code:             code,
		Reason:           withDetail(reason, in.Stderr),
	}
}

// RuleNames lists the rules in evaluation order.
func RuleNames() []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.name)
	}

	return names
}

func transient(code, reason string) models.Failure {
	return models.Failure{Class: models.FailureClassTransient, RetryRecommended: true, Code: code, Reason: reason}
}

func terminal(code, reason string) models.Failure {
	return models.Failure{Class: models.FailureClassTerminal, RetryRecommended: false, Code: code, Reason: reason}
}

func statusCode(in Input) (int, bool) {
	raw := strings.TrimSpace(in.StatusRaw)
	if len(raw) == 3 {
		if n, err := strconv.Atoi(raw); err == nil && n >= 100 {
			return n, true
		}
	}

	for _, text := range []string{in.StatusRaw, in.Stderr} {
		if m := httpStatus.FindStringSubmatch(text); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n, true
		}
	}

	return 0, false
}

func containsAny(text string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}

	return false
}

func normalize(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func withDetail(reason, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return reason
	}

	const maxDetail = 240
	if len(detail) > maxDetail {
		cut := maxDetail
		for cut > 0 && !utf8.RuneStart(detail[cut]) {
			cut--
		}

		detail = detail[:cut] + "..."
	}

	return reason + ": " + detail
}
