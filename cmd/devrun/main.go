// Command devrun builds, launches and follows iOS apps.
package main

import (
	"os"

	"devrun/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
