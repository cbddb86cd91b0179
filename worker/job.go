package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toolink/meter/balance"
)

// OutcomesSuffix is appended to the queue name to form the outcomes list.
const OutcomesSuffix = ":outcomes"

// Outcome kinds
const (
	KindCharged          = "charged"
	KindDenied           = "denied"
	KindInvalidInput     = "invalid_input"
	KindInvalidService   = "invalid_service_type"
	KindStoreUnavailable = "store_unavailable"
	KindMalformed        = "malformed"
	KindError            = "error"
)

// Job is one queued usage event.
type Job struct {
	ID    string             `json:"id"`
	Event balance.UsageEvent `json:"event"`
}

// Outcome records what happened to a job.
type Outcome struct {
	JobID  string                `json:"jobId"`
	Kind   string                `json:"kind"`
	Result *balance.ChargeResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// OutcomesQueue returns the list holding outcomes for queue.
func OutcomesQueue(queue string) string {
	return queue + OutcomesSuffix
}

func encodeJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// newOutcome classifies a charge result or error.
func newOutcome(jobID string, res balance.ChargeResult, err error) Outcome {
	o := Outcome{JobID: jobID}
	if err != nil {
		o.Error = err.Error()
		switch {
		case errors.Is(err, balance.ErrInvalidInput):
			o.Kind = KindInvalidInput
		case errors.Is(err, balance.ErrInvalidServiceType):
			o.Kind = KindInvalidService
		case errors.Is(err, balance.ErrStoreUnavailable):
			o.Kind = KindStoreUnavailable
		default:
			o.Kind = KindError
		}
		return o
	}
	o.Result = &res
	if res.IsAuthorized {
		o.Kind = KindCharged
	} else {
		o.Kind = KindDenied
	}
	return o
}

func encodeOutcome(o Outcome) ([]byte, error) {
	return json.Marshal(o)
}

// DecodeOutcome parses one entry of the outcomes list.
func DecodeOutcome(data []byte) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return o, nil
}
