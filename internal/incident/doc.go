// Package incident is the business boundary of warden. Service runs the
// ingestion pipeline (dedup, correlation, routing, initial dispatch and
// escalation arming) and the operator actions on alert groups. Store is the
// persistence contract shared by the memory and postgres backends.
package incident
