package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps. Maps and slices are JSON-encoded
// into single hash fields; nullable fields are stored as empty strings.

// ExperimentToHash converts an ExperimentRecord to a Redis hash.
func ExperimentToHash(r *ExperimentRecord) (map[string]interface{}, error) {
	targetsJSON, err := json.Marshal(nonNilStrings(r.TargetMetrics))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target_metrics: %w", err)
	}

	baselineJSON, err := marshalMetrics(r.BaselineMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal baseline_metrics: %w", err)
	}

	hash := map[string]interface{}{
		"id":               r.ID,
		"worker_name":      r.WorkerName,
		"name":             r.Name,
		"hypothesis":       r.Hypothesis,
		"approach":         r.Approach,
		"primary_metric":   r.PrimaryMetric,
		"target_metrics":   string(targetsJSON),
		"baseline_metrics": baselineJSON,
		"status":           string(r.Status),
		"started_at_ms":    r.StartedAtMs,
	}

	outcome, err := outcomeFields(&Outcome{
		Status:        r.Status,
		ResultMetrics: r.ResultMetrics,
		Success:       r.Success,
		Improvement:   r.Improvement,
		Promoted:      r.Promoted,
		FailureReason: r.FailureReason,
		CompletedAtMs: r.CompletedAtMs,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range outcome {
		hash[k] = v
	}

	return hash, nil
}

// OutcomeToArgs flattens an outcome into alternating field/value pairs for HSET.
func OutcomeToArgs(o *Outcome) ([]interface{}, error) {
	fields, err := outcomeFields(o)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, 0, len(fields)*2)
	for _, name := range outcomeFieldOrder {
		args = append(args, name, fields[name])
	}
	return args, nil
}

var outcomeFieldOrder = []string{
	"status", "result_metrics", "success", "improvement",
	"promoted", "failure_reason", "completed_at_ms",
}

func outcomeFields(o *Outcome) (map[string]string, error) {
	resultJSON := ""
	if o.ResultMetrics != nil {
		data, err := marshalMetrics(o.ResultMetrics)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result_metrics: %w", err)
		}
		resultJSON = data
	}

	return map[string]string{
		"status":          string(o.Status),
		"result_metrics":  resultJSON,
		"success":         formatOptionalBool(o.Success),
		"improvement":     formatOptionalFloat(o.Improvement),
		"promoted":        strconv.FormatBool(o.Promoted),
		"failure_reason":  o.FailureReason,
		"completed_at_ms": strconv.FormatInt(o.CompletedAtMs, 10),
	}, nil
}

// HashToExperiment converts a Redis hash to an ExperimentRecord.
func HashToExperiment(hash map[string]string) (*ExperimentRecord, error) {
	var targets []string
	if raw := hash["target_metrics"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &targets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal target_metrics: %w", err)
		}
	}

	baseline, err := unmarshalMetrics(hash["baseline_metrics"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline_metrics: %w", err)
	}

	var result Metrics
	if raw := hash["result_metrics"]; raw != "" {
		result, err = unmarshalMetrics(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal result_metrics: %w", err)
		}
	}

	success, err := parseOptionalBool(hash["success"])
	if err != nil {
		return nil, fmt.Errorf("invalid success field: %w", err)
	}

	improvement, err := parseOptionalFloat(hash["improvement"])
	if err != nil {
		return nil, fmt.Errorf("invalid improvement field: %w", err)
	}

	startedAtMs, _ := strconv.ParseInt(hash["started_at_ms"], 10, 64)
	completedAtMs, _ := strconv.ParseInt(hash["completed_at_ms"], 10, 64)
	promoted, _ := strconv.ParseBool(hash["promoted"])

	return &ExperimentRecord{
		ID:              hash["id"],
		WorkerName:      hash["worker_name"],
		Name:            hash["name"],
		Hypothesis:      hash["hypothesis"],
		Approach:        hash["approach"],
		PrimaryMetric:   hash["primary_metric"],
		TargetMetrics:   nonNilStrings(targets),
		BaselineMetrics: baseline,
		ResultMetrics:   result,
		Status:          ExperimentStatus(hash["status"]),
		Success:         success,
		Improvement:     improvement,
		Promoted:        promoted,
		FailureReason:   hash["failure_reason"],
		StartedAtMs:     startedAtMs,
		CompletedAtMs:   completedAtMs,
	}, nil
}

// KnowledgeToHash converts a KnowledgeItem to a Redis hash.
func KnowledgeToHash(k *KnowledgeItem) (map[string]interface{}, error) {
	payloadJSON, err := json.Marshal(k.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return map[string]interface{}{
		"id":                      k.ID,
		"source_worker":           k.SourceWorker,
		"knowledge_type":          k.KnowledgeType,
		"payload":                 string(payloadJSON),
		"confidence":              strconv.FormatFloat(k.Confidence, 'g', -1, 64),
		"created_at_ms":           k.CreatedAtMs,
		"decay_half_life_seconds": k.HalfLifeSec,
	}, nil
}

// HashToKnowledge converts a Redis hash to a KnowledgeItem.
func HashToKnowledge(hash map[string]string) (*KnowledgeItem, error) {
	payload := map[string]any{}
	if raw := hash["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	confidence, err := strconv.ParseFloat(hash["confidence"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence field: %w", err)
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	halfLife, _ := strconv.ParseInt(hash["decay_half_life_seconds"], 10, 64)

	return &KnowledgeItem{
		ID:            hash["id"],
		SourceWorker:  hash["source_worker"],
		KnowledgeType: hash["knowledge_type"],
		Payload:       payload,
		Confidence:    confidence,
		CreatedAtMs:   createdAtMs,
		HalfLifeSec:   halfLife,
	}, nil
}

// HashToWorkerStats converts a Redis counter hash to WorkerStats.
func HashToWorkerStats(workerName string, hash map[string]string) *WorkerStats {
	parse := func(field string) int64 {
		v, _ := strconv.ParseInt(hash[field], 10, 64)
		return v
	}
	return &WorkerStats{
		WorkerName:     workerName,
		CyclesRun:      parse("cycles_run"),
		ExperimentsRun: parse("experiments_run"),
		TotalTimeMs:    parse("total_time_ms"),
		ErrorCount:     parse("error_count"),
		LastRunMs:      parse("last_run_ms"),
	}
}

func marshalMetrics(m Metrics) (string, error) {
	if m == nil {
		m = Metrics{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMetrics(raw string) (Metrics, error) {
	m := Metrics{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatOptionalBool(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func parseOptionalBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func formatOptionalFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func parseOptionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
