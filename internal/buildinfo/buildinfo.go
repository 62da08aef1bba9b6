// Package buildinfo holds the product version string, set at link time via
// -ldflags "-X wgrouterd/internal/buildinfo.Version=...". Defaults to "dev".
package buildinfo

// Version is the product version string stamped into Config on save and
// compared (WARN-only, never fatal) against the persisted Config.Version
// on load.
var Version = "dev"
