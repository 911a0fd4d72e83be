// Package version carries build metadata set through -ldflags -X.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	NAME     = "Anvil"
	VERSION  = "unknown"
	REVISION = "HEAD"
	BUILTAT  = "now"
)

// String renders the build metadata, one field per line.
func String() string {
	var b strings.Builder
	for _, kv := range [][2]string{
		{"Version", VERSION},
		{"Git hash", REVISION},
		{"Built", BUILTAT},
		{"Golang version", runtime.Version()},
		{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
	} {
		fmt.Fprintf(&b, "%-16s%s\n", kv[0]+":", kv[1])
	}
	return b.String()
}
