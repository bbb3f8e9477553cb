// Package types defines the shared data model of the QueryFlow pipeline:
// the workflow state threaded through every stage, the stage result sum
// type, the validation feedback taxonomy, and the structured error type
// used across the framework.
//
// The package is a leaf: it imports nothing from the rest of the module so
// that every other package can depend on it without cycles.
package types
