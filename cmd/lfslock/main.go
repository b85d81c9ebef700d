// Command lfslock keeps git-lfs locks and working tree status in sync.
package main

import (
	"os"

	"github.com/Iron-Ham/lfslock/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
