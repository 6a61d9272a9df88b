// The main package for the recall-crawler executable.
package main

import (
	"github.com/JakeFAU/recall-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
