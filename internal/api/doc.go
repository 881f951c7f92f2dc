// Package api contains the transport layers over the boundary service.
//
// The http subpackage exposes the exception lifecycle operations over a chi
// router: ingestion, reads, playbook recalculation, step completion, and
// escalation approval. Transports translate between wire formats and the
// boundary service; no pipeline logic lives here.
package api
