// Package scheduler runs one breadth-first crawl session.
//
// A Session owns its frontier, visited set and renderer. The loop is
// sequential: one URL is acquired at a time, and a stop request is observed
// only between URLs, so an acquisition in flight always runs to completion.
package scheduler
