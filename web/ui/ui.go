// Package ui embeds the gateway's status page shell.
package ui

import "embed"

//go:embed index.html
var Files embed.FS
