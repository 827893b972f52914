// Package diff provides utilities for parsing unified diff format
// and mapping file line numbers to diff positions for review comments.
//
// The primary use case is to convert absolute file line numbers (from AI
// suggestions and human comments) to the diff position format remote hosts
// require for inline review comments, and to split a multi-file diff into
// per-file patches with change statistics.
//
// Position is 1-indexed from the first @@ hunk header, counting all lines
// in the diff (context, additions, and deletions).
package diff
