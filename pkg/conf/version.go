package conf

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X evssh/pkg/conf.Version=..."
var (
	Version = "development"
	Commit  = ""
)

// ClientVersion is the identification string sent during version exchange
func ClientVersion() string {
	return "SSH-2.0-evssh_" + Version
}

func PrintVersion() {
	fmt.Printf("evssh %s", Version)
	if Commit != "" {
		fmt.Printf(" (%s)", Commit)
	}
	fmt.Printf(" %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
}
