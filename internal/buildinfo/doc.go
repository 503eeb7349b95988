// Package buildinfo carries the binary's version identity, stamped into
// these variables at link time.
package buildinfo

// Populated by the release build via -ldflags "-X ...". A plain go build
// leaves the dev defaults in place.
var (
	// Version is the release tag, or "dev" for untagged builds.
	Version = "dev"

	// Commit is the abbreviated git revision the binary was built from.
	Commit = "unknown"

	// Date is when the binary was built, RFC3339 in UTC.
	Date = "unknown"
)
