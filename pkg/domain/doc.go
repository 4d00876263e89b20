/*
Package domain contains the core models of the espalier orchestrator.

It defines the run state shared by every stage, the explicit merge rules that
govern how a stage's partial update is folded into that state, the failure
classification used by the retry layer, and the events emitted by the engine.
The package is free of I/O and persistence concerns.

# Key Entities

  - RunState: the accumulated record of one pipeline execution.
  - Update: the only way a stage changes state; applied with Apply.
  - Failure: a classified external-service failure (transient or permanent).
  - Evaluation: the verdict of a quality gate over a stage's output.
  - Snapshot: a point-in-time copy of RunState keyed by (run, stage, attempt).
*/
package domain
