// Command mcpcage runs a Model Context Protocol tool server inside a
// hardened, network-filtered container and bridges it to the caller's stdio.
package main

import (
	"os"

	"github.com/everydev1618/mcpcage/internal/diag"
)

var version = "dev"

func main() {
	logger := diag.New(diag.Options{Raw: os.Stderr})
	app := &app{logger: logger, stderr: os.Stderr}
	os.Exit(diag.Guard(logger, func() (int, error) {
		return app.execute(os.Args[1:])
	}))
}
