// Package services holds the shared plumbing for external collaborators:
// the error-kind taxonomy that drives retry and fallback decisions, context
// correlation helpers, and lenient decoding of model-produced JSON.
package services
