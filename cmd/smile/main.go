// Command smile validates a technical tutorial by simulating a constrained
// Student/Mentor agent loop inside an isolated execution environment.
package main

import (
	"os"

	"github.com/smileorch/smile/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
