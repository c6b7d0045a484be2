// Package static embeds the control plane's minimal HTML/JS dashboard.
package static

import "embed"

//go:embed index.html
var Files embed.FS
