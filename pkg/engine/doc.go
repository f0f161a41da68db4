// Package engine adapts provisioned, version-pinned conversion engines to the
// domain.Engine interface.
//
// Every engine version lives in its own interpreter environment. The adapter
// talks to it through a small worker script: one process per operation, one
// JSON request on stdin, one JSON document on stdout on success, and a
// non-zero exit with diagnostics on stderr on failure. Exit statuses and
// diagnostics are classified into the domain error taxonomy here, so callers
// never see raw process errors.
package engine
