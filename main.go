// The main package for the au-crawler executable.
package main

import (
	"github.com/JakeFAU/au-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
