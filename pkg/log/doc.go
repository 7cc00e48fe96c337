/*
Package log provides structured logging for the orchestrator core using
zerolog. A single global Logger is configured once via Init at process
startup; every subsystem then derives a component-scoped child logger
with WithComponent (jobservice, scheduler, inventory, notification,
wshub, jwks, httpapi, main) so every log line can be filtered or aggregated by the subsystem
that emitted it.
*/
package log
