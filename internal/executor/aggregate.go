package executor

import (
	"encoding/json"
)

// Aggregation selects how successful task outputs combine into one value.
type Aggregation string

const (
	// CollectAll produces a JSON array of outputs in completion order.
	CollectAll Aggregation = "collect_all"
	// MergeObjects merges object outputs field-wise; later completions win.
	MergeObjects Aggregation = "merge_objects"
	// FirstSuccess takes the first successful output.
	FirstSuccess Aggregation = "first_success"
	// HighestConfidence takes the successful output with the numerically
	// largest "confidence" field.
	HighestConfidence Aggregation = "highest_confidence"
)

// aggregate folds the successful outcomes per the selected strategy.
// Returns nil when no outcome succeeded.
func aggregate(agg Aggregation, outcomes []TaskOutcome) json.RawMessage {
	var successes []json.RawMessage
	for _, o := range outcomes {
		if o.Status == TaskCompleted {
			successes = append(successes, o.Output)
		}
	}
	if len(successes) == 0 {
		return nil
	}

	switch agg {
	case MergeObjects:
		merged := make(map[string]json.RawMessage)
		for _, s := range successes {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(s, &obj); err != nil {
				continue // non-object outputs are skipped by merge
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return nil
		}
		return out

	case FirstSuccess:
		return successes[0]

	case HighestConfidence:
		best := successes[0]
		bestConf := confidenceOf(successes[0])
		for _, s := range successes[1:] {
			if c := confidenceOf(s); c > bestConf {
				best, bestConf = s, c
			}
		}
		return best

	default: // CollectAll
		out, err := json.Marshal(successes)
		if err != nil {
			return nil
		}
		return out
	}
}

func confidenceOf(payload json.RawMessage) float64 {
	var obj struct {
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return 0
	}
	return obj.Confidence
}
