/*
Package metrics provides Prometheus metrics collection and exposition for
the replicator, plus lightweight HTTP health/readiness/liveness endpoints.

Metrics cover both directions of replication (revs pushed/pulled/rejected,
in-flight counts, delta savings, blob bytes transferred) and the
checkpoint subsystem (save count, lag). Handler() exposes them for
scraping; the Timer helper times an operation and reports it to a
histogram with one call.

RegisterComponent/UpdateComponent record a named component's health;
no package in this module registers one itself. HealthHandler,
ReadyHandler, and LivenessHandler expose /health, /ready and /live
respectively.
*/
package metrics
