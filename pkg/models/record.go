// Package models defines the records the execution engine reads and writes.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a stored record.
type Kind string

const (
	KindProtocol             Kind = "protocol"
	KindEventGraph           Kind = "event-graph"
	KindPlannedRun           Kind = "planned-run"
	KindRobotPlan            Kind = "robot-plan"
	KindExecutionRun         Kind = "execution-run"
	KindInstrumentLog        Kind = "instrument-log"
	KindWorkerState          Kind = "worker-state"
	KindExecutionIncident    Kind = "execution-incident"
	KindExecutionPlan        Kind = "execution-plan"
	KindExecutionEnvironment Kind = "execution-environment"
)

// Kinds lists every record kind the store knows about.
func Kinds() []Kind {
	return []Kind{
		KindProtocol,
		KindEventGraph,
		KindPlannedRun,
		KindRobotPlan,
		KindExecutionRun,
		KindInstrumentLog,
		KindWorkerState,
		KindExecutionIncident,
		KindExecutionPlan,
		KindExecutionEnvironment,
	}
}

// idPrefixes maps sequentially numbered kinds to their record id prefix.
// Worker state records are keyed by worker name instead.
var idPrefixes = map[Kind]string{
	KindProtocol:             "PRO",
	KindEventGraph:           "EG",
	KindPlannedRun:           "PLR",
	KindRobotPlan:            "RP",
	KindExecutionRun:         "EXR",
	KindInstrumentLog:        "ILOG",
	KindExecutionIncident:    "INC",
	KindExecutionPlan:        "EPL",
	KindExecutionEnvironment: "EENV",
}

// IDPrefix returns the record id prefix for kind, or "" when the kind is
// not sequentially numbered.
func IDPrefix(kind Kind) string {
	return idPrefixes[kind]
}

// FormatID renders a sequential record id such as PLR-000001.
func FormatID(prefix string, n int) string {
	return fmt.Sprintf("%s-%06d", prefix, n)
}

// ParseSequence extracts the numeric suffix of a sequential record id. It
// returns false when id does not carry the given prefix.
func ParseSequence(prefix, id string) (int, bool) {
	if len(id) <= len(prefix)+1 || id[:len(prefix)] != prefix || id[len(prefix)] != '-' {
		return 0, false
	}

	n := 0

	for _, r := range id[len(prefix)+1:] {
		if r < '0' || r > '9' {
			return 0, false
		}

		n = n*10 + int(r-'0')
	}

	return n, true
}

// Envelope is the stored form of every record. Version is the optimistic
// concurrency token: it starts at 1 and increments on each update.
type Envelope struct {
	RecordID  string          `json:"record_id"`
	Kind      Kind            `json:"kind"`
	SchemaID  string          `json:"schema_id,omitempty"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewEnvelope marshals payload into a fresh, unversioned envelope.
func NewEnvelope(kind Kind, recordID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", kind, recordID, err)
	}

	return &Envelope{
		RecordID: recordID,
		Kind:     kind,
		SchemaID: SchemaID(kind),
		Data:     data,
	}, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if e == nil {
		return fmt.Errorf("nil envelope")
	}

	err := json.Unmarshal(e.Data, out)
	if err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", e.Kind, e.RecordID, err)
	}

	return nil
}

// SchemaID returns the schema identifier stamped onto envelopes of kind.
func SchemaID(kind Kind) string {
	return "labrun/" + string(kind) + "/v1"
}

// KindForID infers the record kind from a record id.
func KindForID(id string) (Kind, bool) {
	switch id {
	case WorkerExecutionPoller, WorkerRetry, WorkerIncidentScanner:
		return KindWorkerState, true
	}

	for kind, prefix := range idPrefixes {
		if _, ok := ParseSequence(prefix, id); ok {
			return kind, true
		}
	}

	return "", false
}
