// Package api defines the wire types of the query service: the REST
// request/response DTOs, the websocket protocol envelope, and the
// projections from workflow state onto those shapes.
//
// # Protocol
//
// POST /query runs a query to completion in ask mode and returns a
// workflow summary. GET /ws/query opens a streaming session carrying
// state_update, hitl_request, hitl_feedback, hitl_feedback_ack, cancel,
// cancelled, final_result and error messages.
//
// # Authentication
//
// When an API key is configured, endpoints outside the health checks
// require it via the X-API-Key header.
package api
