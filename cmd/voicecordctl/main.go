// Command voicecordctl controls a running voicecord daemon and reads its
// data directory offline.
package main

import (
	"os"
	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
