/*
Package gate provides quality gates: deterministic judges of a stage's output.

A gate returns a domain.Evaluation. A rejection is ordinary control flow; the
engine re-runs the stage with the rejection as feedback until its retry cap is
reached. A gate error, by contrast, is a fatal stage failure.

Built-in gates:

  - Func adapts a function.
  - All evaluates every gate and combines the verdicts.
  - Chain stops at the first rejection, sparing later (possibly expensive) gates.
  - WordRange checks a text's word count.
  - MinItems checks a collection size.
  - Judge asks an external text model for a JSON verdict.
*/
package gate
