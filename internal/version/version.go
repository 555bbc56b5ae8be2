// Package version holds the release version of the leadpipe binary.
package version

// Current is the semver release version, without a leading "v".
const Current = "0.3.0"
