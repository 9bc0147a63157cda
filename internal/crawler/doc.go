// Package crawler defines the domain types, error taxonomy and collaborator
// interfaces shared by the job-listing crawl pipeline: planner, pagination
// driver, concurrency controller, dedup index, checkpoint store and sinks.
package crawler
