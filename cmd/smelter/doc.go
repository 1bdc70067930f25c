// Package main hosts the smelter CLI entrypoint and command graph.
//
// The Cobra-based command tree wires configuration resolution, the state
// store, and the pipeline collaborators together, then surfaces them as
// the run, summary, failed, reset, and config commands. Keep this package
// lean: add new functionality by extending the internal packages first,
// then expose it here through dedicated commands or flags.
package main
