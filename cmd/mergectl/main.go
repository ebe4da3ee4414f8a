// Package main is the entry point for mergectl.
//
// mergectl runs the still-image merge pipeline against local files and
// performs housekeeping without going through the HTTP server.
package main

import (
	"os"

	"github.com/maauso/stillmerge-api/cmd/mergectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
