// Package retry re-attempts operations that fail with a transient failure,
// waiting an exponentially growing, capped delay between attempts.
package retry
