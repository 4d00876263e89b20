// Package service binds one external service to its own Limiter and retry
// Policy, so that every stage calling that service shares the same budget.
package service
