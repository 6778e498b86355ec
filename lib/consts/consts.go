// Package consts houses some constants needed across bctree
package consts

import (
	"fmt"
	"runtime"
	"strings"
)

// Version contains the current semantic version of bctree.
const Version = "0.1.0"

// FullVersion returns the maximally full version and build information for
// the currently running bctree executable.
func FullVersion() string {
	return fmt.Sprintf("%s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Banner returns the ASCII-art banner with the bctree logo.
func Banner() string {
	banner := strings.Join([]string{
		`  _          _                  `,
		` | |__   ___| |_ _ __ ___  ___  `,
		` | '_ \ / __| __| '__/ _ \/ _ \ `,
		` | |_) | (__| |_| | |  __/  __/ `,
		` |_.__/ \___|\__|_|  \___|\___| `,
	}, "\n")

	return banner
}
