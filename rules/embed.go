// Package rules holds the default expense policies, one markdown file
// per receipt type, embedded for use when no rules directory is
// configured or a type has no override there.
package rules

import "embed"

//go:embed *.md
var Files embed.FS
