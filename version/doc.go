// Package version reports the build version of streamkit binaries, set
// through -ldflags or read from the Go build info.
package version
