// The main package for the dwh executable.
package main

import (
	"github.com/JakeFAU/weblog-dwh/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
