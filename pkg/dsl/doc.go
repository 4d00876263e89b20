/*
Package dsl provides a fluent builder for espalier stage graphs.

It replaces the positional StageSpec/Edge slices of the runtime with a
chainable API that reads in the order a pipeline is designed.

Example usage:

	b := dsl.New("research")

	b.Add("research", research).
		Go("write")

	b.Add("write", write).
		Gate(gate.WordRange(200, 500), 3).
		Go("voice")

	b.Add("voice", voice).
		Route(func(s *domain.RunState, out domain.Outcome) domain.StageName {
			if s.Audio == nil {
				return "voice_fallback"
			}
			return domain.Terminated
		}, "voice_fallback", domain.Terminated)

	graph, err := b.Build()
*/
package dsl
