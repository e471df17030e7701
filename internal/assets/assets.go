package assets

import _ "embed"

// Page and script served by the HTTP surface. Compiled into the binary.

//go:embed index.html
var IndexHTML string

//go:embed iptrace.js
var TrackerJS []byte
