/*
Package espalier is a quality-gated, rate-limited stage orchestrator.

A run moves through a graph of stages. Each stage reads an immutable copy of
the run state and returns a partial update that the engine merges. A stage
may be guarded by a quality gate: rejected output sends the stage back to
itself with the gate's feedback until a per-stage retry cap is reached, after
which the latest output is accepted (and flagged as forced) or the run fails.
External services are reached through service clients that bound concurrency,
enforce a per-window call budget and retry transient failures with backoff.

# Key Features

  - Bounded self-loops: a gated stage runs at most retry cap + 1 times.
  - Deterministic routing: same outcomes give the same visited sequence.
  - Snapshots after every invocation, so failed runs resume at the failed stage.
  - Hexagonal layout: stores, lockers and providers are ports with adapters.

# Usage

	b := dsl.New("draft")
	b.Add("draft", draftStage).
		Gate(gate.WordRange(200, 500), 3).
		Terminal()

	graph, err := b.Build()
	if err != nil {
		log.Fatal(err)
	}

	eng := espalier.New(graph, espalier.WithStore(memory.NewStore()))
	report, err := eng.Start(ctx, "", domain.Update{Topic: domain.Ptr("tides")})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(report.Status, report.Forced)
*/
package espalier
