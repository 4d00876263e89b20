/*
Package throttle bounds how hard a single external service is hit.

A Limiter combines a concurrency cap (at most N calls in flight) with a rolling
window cap (at most R call starts in any trailing window W). A call first takes
a concurrency slot, then a window token, runs, and always gives the slot back.

Two window strategies are available:

  - ModeSliding keeps an exact log of grant times. Bursts up to R are allowed.
  - ModePaced spaces grants evenly at W/R using golang.org/x/time/rate.

Both never exceed R starts in any half-open interval of length W.
*/
package throttle
