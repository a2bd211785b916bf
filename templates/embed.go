// Package templates embeds the default configuration and the example script
// written by `taskdir setup`.
package templates

import "embed"

//go:embed config.yaml scripts
var FS embed.FS
