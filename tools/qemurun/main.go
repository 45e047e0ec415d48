// Command qemurun is the host-side dev-loop launcher: it builds a
// qemu-system-x86_64 command line from a YAML profile and runs it,
// analogous to the teacher's tools/makelogo and tools/redirects (small,
// flag-driven, single-purpose build tools living alongside the kernel they
// serve rather than in a separate repo).
package main

import (
	"flag"
	"fmt"
	"os"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[qemurun] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "qemurun.yml", "path to a qemurun YAML launch profile")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		exit(err)
	}

	if err := runQemu(cfg); err != nil {
		exit(err)
	}
}
