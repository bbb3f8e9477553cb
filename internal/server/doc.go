/*
Package server manages the HTTP listener lifecycle: non-blocking start,
graceful shutdown, and system signal handling.

The Manager wraps net/http.Server with an asynchronous error channel and
a SIGINT/SIGTERM wait loop, so main() can start the API surface, block
on WaitForShutdown, and drain in-flight query requests before exiting.
*/
package server
