// The main package for the crawlhub executable.
package main

import (
	"github.com/crawlhub/crawlhub/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
