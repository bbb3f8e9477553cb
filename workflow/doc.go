// Package workflow is the orchestration core of QueryFlow: the directed
// graph executor that sequences the pipeline stages, enforces per-stage
// and whole-workflow retry budgets, classifies failures into routing
// decisions, supports human-in-the-loop approval checkpoints that can
// suspend a workflow indefinitely (and resume it in another process), and
// exposes both a blocking run-to-completion mode and a streaming,
// cancellable mode.
//
// Execution within one session is single-threaded and cooperative:
// exactly one stage runs at a time and the only suspension points are the
// snapshot emitted after each stage and the wait on a pending review.
// Across sessions the engine is freely concurrent; sessions share nothing
// mutable except the read-only knowledge-base retriever.
package workflow
