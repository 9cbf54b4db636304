// Package ledger defines the persistent records of nightshift and the stores
// that hold them.
//
// # Overview
//
// Experiment records are the audit trail of every experimental cycle a worker
// runs. A record is created in the running state by the coordinator and
// receives exactly one outcome, which moves it to completed or failed. Records
// are never deleted.
//
// Knowledge items are immutable findings shared between workers. Their
// freshness is derived at read time from the creation timestamp and the decay
// constant of their type.
//
// Worker statistics are cumulative counters flushed as deltas by each worker
// loop.
//
// # Stores
//
// Two Store implementations are provided:
//
//   - Client keeps records in Redis hashes with sorted-set indexes. Outcomes
//     are written by a Lua script that checks the status field first.
//   - SQLStore keeps records in SQLite or PostgreSQL via sqlx. Outcomes are
//     written by a conditional UPDATE on status = 'running'.
//
// # Redis Schema
//
// All Redis keys follow the pattern: nightshift:{instance_name}:{entity}:{id}
//
// Experiments: nightshift:{instance_name}:experiment:{experiment_id}
// Experiment index: nightshift:{instance_name}:experiments
// Knowledge: nightshift:{instance_name}:knowledge:{item_id}
// Knowledge index: nightshift:{instance_name}:knowledge_items
// Worker stats: nightshift:{instance_name}:worker_stats:{worker_name}
//
// Pub/Sub channels: nightshift:{instance_name}:{event_type}_events
package ledger
