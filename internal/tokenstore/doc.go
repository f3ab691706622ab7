// Package tokenstore keeps one OAuth credential per mailbox identity and
// mirrors the whole mapping to a JSON snapshot on disk.
//
// The in-memory map is authoritative. Every mutation rewrites the snapshot
// atomically (temp file, fsync, rename) so a crash leaves either the old or
// the new snapshot, never a torn one. Loading is fail soft: a missing or
// malformed snapshot yields an empty store and a warning, never an error.
//
// Snapshots written by older releases (a bare map of identity to the raw
// provider grant) load unchanged and are upgraded in memory to the current
// record version.
package tokenstore
