// Command gvhyperctl is a local demo/test harness for the api package: it
// wires one simulated adapter exactly the way the test helpers in
// adapter_test.go/api_test.go do, then drives it from subcommands instead
// of from Go tests.
package main

import (
	"log"
	"os"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}
