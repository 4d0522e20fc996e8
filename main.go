// The main package for the newsdesk executable.
package main

import (
	"github.com/JakeFAU/newsdesk-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
