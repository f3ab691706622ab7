// Package classify annotates fetched messages with a priority score, a
// category, a summary, a message type, a risk score and an urgency flag.
//
// The pipeline is deterministic: given the same messages, configuration and
// clock it returns identical output. Messages older than the recency window
// are dropped; messages whose Date header cannot be parsed are treated as
// current and always kept.
//
// Category rules, confidences and keywords are configuration (Config). Risk
// scoring is pluggable through RiskStrategy, which is one of FixedSeed,
// ContentHash or ExternalModel.
package classify
