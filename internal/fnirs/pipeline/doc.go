// Package pipeline orchestrates the fNIRS processing stages for each
// acquisition session.
//
// It wires the sample buffer, optical density converter, optional signal
// cleanup, hemoglobin estimator and hemorrhage detector into a per-frame flow and hands the
// results to a Store. The pipeline does not own domain logic; it delegates
// to the stage packages and translates their failures into errors the
// caller can act on.
//
// A Session is single-goroutine. Engine runs many sessions in parallel,
// partitioned by session id so each session's state has one owner.
package pipeline
