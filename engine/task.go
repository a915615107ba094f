// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

// Task is the narrow surface the Lifecycle Engine consumes from the
// persistent task table ( component G: "subtask annotation,
// progress, cancellation check-points (consumed; not designed here)").
// A real deployment backs this with the RPC boundary's task record; the
// engine only ever reports progress through it.
type Task interface {
	// Progress reports a clamped [0,100] percent-complete, forwarded
	// from builder-helper progress frames or synthesized
	// at coarse operation boundaries (e.g. plug/build/suspend phases).
	Progress(percent int)
	// CheckCancelled returns a *types.Error{Kind: Cancelled} if the
	// caller has requested cancellation. The engine does not call it:
	// build, suspend and resume stop early only when their ctx is
	// cancelled.
	CheckCancelled() error
}

// NoopTask is a Task that never cancels and discards progress, used by
// callers that don't need cancellation or progress reporting and by
// tests.
type NoopTask struct{}

func (NoopTask) Progress(percent int)  {}
func (NoopTask) CheckCancelled() error { return nil }

var _ Task = NoopTask{}

// taskProgressSink adapts a Task to builder.ProgressSink.
type taskProgressSink struct{ task Task }

func (s taskProgressSink) Progress(percent int) { s.task.Progress(percent) }

// logDebugSink adapts the engine's logger to builder.DebugSink.
type logDebugSink struct {
	log interface {
		Debugf(string, ...interface{})
	}
}

func (s logDebugSink) Debug(text string) { s.log.Debugf("builder: %s", text) }
