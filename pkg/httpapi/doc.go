// Package httpapi is the thin REST+WebSocket adapter over the core
// services. Per the specification (§1) the REST handler layer is an
// external collaborator — a production deployment could replace this
// package wholesale without touching job/inventory/notification/auth
// semantics. It exists here only so the core has something to exercise
// it end to end: chi router binding, JSON request/response shapes, and
// the WebSocket upgrade path.
package httpapi
