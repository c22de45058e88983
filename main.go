// The main package for the liencrawler executable.
package main

import (
	"github.com/JakeFAU/lien-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
