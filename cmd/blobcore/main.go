// Command blobcore runs the upload service and storage nodes of a
// content-addressed blob storage network.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/blobcore/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil && !cli.Reported(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
