// Package state persists pipeline progress as a single JSON document and
// owns every transition a work item makes through the phase sequence.
//
// The document is written through on every mutation: a temp file is
// published via atomic rename, with the previous primary rotated to a
// backup first. Load failures recover from the backup and, failing that,
// fall back to a fresh document so the pipeline never blocks on corrupted
// state. All public methods take the store mutex exactly once and persist
// at leaf points only; nothing in this package nests persistence calls.
package state
