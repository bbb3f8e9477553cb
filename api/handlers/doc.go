/*
Package handlers implements the HTTP endpoints of the query service.

  - QueryHandler  — POST /query, blocking ask-mode pipeline run
  - WSHandler     — GET /ws/query, streaming session with review checkpoints
  - HealthHandler — /health, /ready, /version
  - Response / ErrorInfo — uniform JSON envelope with structured errors

Helpers cover strict JSON body decoding and ErrorCode to HTTP status
mapping.
*/
package handlers
