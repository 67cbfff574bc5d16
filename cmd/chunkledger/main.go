// Command chunkledger runs and inspects a chunkledger deployment.
package main

import (
	"os"

	"github.com/roach88/chunkledger/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
