/*
Package ports defines the driven ports (interfaces) of the espalier orchestrator.

These interfaces decouple the core logic from external implementations, allowing
the engine to work with various snapshot backends and generative providers.

# Key Interfaces

  - SnapshotStore: persists point-in-time copies of a run for inspection and resume.
  - Locker: guards a run against concurrent resumption.
  - TextGenerator, Searcher, ImageSearcher, SpeechSynthesizer: external services.
*/
package ports
