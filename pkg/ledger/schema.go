package ledger

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several deployments can share one Redis server.
//
// Key pattern: nightshift:{instance_name}:{entity}:{id}

// ExperimentKey returns the Redis key for an experiment record hash.
// Pattern: nightshift:{instance_name}:experiment:{experiment_id}
func ExperimentKey(instanceName, experimentID string) string {
	return fmt.Sprintf("nightshift:%s:experiment:%s", instanceName, experimentID)
}

// ExperimentIndexKey returns the sorted set of experiment IDs scored by start time.
// Pattern: nightshift:{instance_name}:experiments
func ExperimentIndexKey(instanceName string) string {
	return fmt.Sprintf("nightshift:%s:experiments", instanceName)
}

// KnowledgeKey returns the Redis key for a knowledge item hash.
// Pattern: nightshift:{instance_name}:knowledge:{item_id}
func KnowledgeKey(instanceName, itemID string) string {
	return fmt.Sprintf("nightshift:%s:knowledge:%s", instanceName, itemID)
}

// KnowledgeIndexKey returns the sorted set of knowledge item IDs scored by creation time.
// Pattern: nightshift:{instance_name}:knowledge_items
func KnowledgeIndexKey(instanceName string) string {
	return fmt.Sprintf("nightshift:%s:knowledge_items", instanceName)
}

// WorkerStatsKey returns the Redis key for a worker's counter hash.
// Pattern: nightshift:{instance_name}:worker_stats:{worker_name}
func WorkerStatsKey(instanceName, workerName string) string {
	return fmt.Sprintf("nightshift:%s:worker_stats:%s", instanceName, workerName)
}

// WorkerIndexKey returns the set of worker names that have flushed stats.
// Pattern: nightshift:{instance_name}:workers
func WorkerIndexKey(instanceName string) string {
	return fmt.Sprintf("nightshift:%s:workers", instanceName)
}

// KnowledgeEventsChannel returns the Pub/Sub channel carrying newly appended knowledge.
// Pattern: nightshift:{instance_name}:knowledge_events
func KnowledgeEventsChannel(instanceName string) string {
	return fmt.Sprintf("nightshift:%s:knowledge_events", instanceName)
}

// ExperimentEventsChannel returns the Pub/Sub channel carrying experiment outcomes.
// Pattern: nightshift:{instance_name}:experiment_events
func ExperimentEventsChannel(instanceName string) string {
	return fmt.Sprintf("nightshift:%s:experiment_events", instanceName)
}
