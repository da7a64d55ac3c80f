// Package progress carries crawl session milestones from the scheduler to
// metrics and logging sinks. Events are buffered on a background goroutine so
// the crawl loop never blocks on a slow consumer.
package progress
