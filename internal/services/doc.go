// Package services wires the securerag services together.
//
// Build constructs every service once from a Config; the resulting Registry
// is passed explicitly to the HTTP server and the CLI. There is no package
// level state.
package services
