// Command walreplica runs the backup/restore/gc CLI.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/walreplica/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
