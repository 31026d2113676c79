// Package contract loads the sidecar adapter contract and decides whether
// the sidecar may be used for remote dispatch.
package contract

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dukex/labrun/pkg/persistence"
	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed manifest.jsonc
var embeddedManifest []byte

// Directions of a contract schema.
const (
	Request  = "request"
	Response = "response"
)

// RequiredOperations must each define a request and a response schema.
var RequiredOperations = []string{"execute", "status", "cancel", "logs"}

var (
	// ErrContractNotReady is returned when dispatch is gated on a contract
	// that has not passed its self-test.
	ErrContractNotReady = errors.New("sidecar contract not ready")

	// ErrUnknownSchema is returned when an operation/direction has no schema.
	ErrUnknownSchema = errors.New("unknown contract schema")
)

type manifest struct {
	ContractVersion string                                `json:"contract_version"`
	Operations      map[string]map[string]json.RawMessage `json:"operations"`
	Samples         map[string]json.RawMessage            `json:"samples"`
}

// Check is the outcome of validating one bundled sample.
type Check struct {
	Name   string              `json:"name"`
	Passed bool                `json:"passed"`
	Issues []persistence.Issue `json:"issues,omitempty"`
}

// Report is the outcome of SelfTest.
type Report struct {
	ContractVersion string  `json:"contract_version"`
	Passed          bool    `json:"passed"`
	Checks          []Check `json:"checks"`
}

// Contract holds the compiled schemas of one manifest.
type Contract struct {
	version string
	raw     map[string]json.RawMessage
	schemas map[string]*gojsonschema.Schema
	samples map[string]json.RawMessage
	loadErr []string

	mu     sync.RWMutex
	report *Report
}

// Load parses the manifest bundled with the binary.
func Load() (*Contract, error) {
	return Parse(embeddedManifest)
}

// LoadFile parses a JSONC manifest from disk.
func LoadFile(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return c, nil
}

// Parse compiles a JSONC manifest. Schemas that fail to compile are recorded
// and make the contract not ready rather than failing the parse.
func Parse(data []byte) (*Contract, error) {
	var m manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("invalid contract manifest: %w", err)
	}

	if m.ContractVersion == "" {
		return nil, fmt.Errorf("invalid contract manifest: contract_version is required")
	}

	c := &Contract{
		version: m.ContractVersion,
		raw:     make(map[string]json.RawMessage),
		schemas: make(map[string]*gojsonschema.Schema),
		samples: m.Samples,
	}

	for op, directions := range m.Operations {
		for direction, body := range directions {
			name := schemaName(op, direction)
			c.raw[name] = body

			compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(body))
			if err != nil {
				c.loadErr = append(c.loadErr, fmt.Sprintf("%s: %v", name, err))

				continue
			}

			c.schemas[name] = compiled
		}
	}

	sort.Strings(c.loadErr)

	return c, nil
}

func schemaName(operation, direction string) string {
	return operation + "." + direction
}

// Version returns the contract version sent with every request.
func (c *Contract) Version() string {
	return c.version
}

// Validate checks a payload against the schema of operation/direction.
func (c *Contract) Validate(operation, direction string, payload []byte) ([]persistence.Issue, error) {
	compiled, ok := c.schemas[schemaName(operation, direction)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, schemaName(operation, direction))
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return []persistence.Issue{{Path: "(root)", Message: err.Error()}}, nil
	}

	if result.Valid() {
		return nil, nil
	}

	issues := make([]persistence.Issue, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, persistence.Issue{Path: desc.Field(), Message: desc.Description()})
	}

	return issues, nil
}

// SelfTest validates every bundled sample against its schema and records
// the report.
func (c *Contract) SelfTest() Report {
	report := Report{ContractVersion: c.version, Passed: len(c.loadErr) == 0}

	for _, msg := range c.loadErr {
		report.Checks = append(report.Checks, Check{Name: "compile", Issues: []persistence.Issue{{Path: "(schema)", Message: msg}}})
	}

	for _, op := range RequiredOperations {
		for _, direction := range []string{Request, Response} {
			name := schemaName(op, direction)
			check := Check{Name: name}

			sample, hasSample := c.samples[name]

			switch {
			case c.schemas[name] == nil:
				check.Issues = []persistence.Issue{{Path: name, Message: "schema missing"}}
			case !hasSample:
				check.Issues = []persistence.Issue{{Path: name, Message: "sample missing"}}
			default:
				issues, err := c.Validate(op, direction, sample)
				if err != nil {
					issues = append(issues, persistence.Issue{Path: name, Message: err.Error()})
				}

				check.Issues = issues
			}

			check.Passed = len(check.Issues) == 0
			if !check.Passed {
				report.Passed = false
			}

			report.Checks = append(report.Checks, check)
		}
	}

	c.mu.Lock()
	c.report = &report
	c.mu.Unlock()

	return report
}

// Ready reports whether every required schema is loaded and the last
// self-test passed. It is false until SelfTest has run.
func (c *Contract) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.report != nil && c.report.Passed
}

// LastReport returns the last self-test report, or nil.
func (c *Contract) LastReport() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.report == nil {
		return nil
	}

	report := *c.report

	return &report
}

// Manifest returns the operations and schemas for display.
func (c *Contract) Manifest() map[string]any {
	operations := make(map[string]any, len(c.raw))
	for name, body := range c.raw {
		operations[name] = body
	}

	return map[string]any{
		"contract_version": c.version,
		"schemas":          operations,
	}
}
