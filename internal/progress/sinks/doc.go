// Package sinks implements progress consumers. PrometheusSink turns session
// and page events into collectors served on /metrics. RedisStatusSink keeps a
// JSON status document per running session in Redis.
package sinks
