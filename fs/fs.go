package appfs

import "embed"

// FS holds the assets shipped with the binary: SQL migrations and
// email templates.
//go:embed migrations templates
var FS embed.FS
