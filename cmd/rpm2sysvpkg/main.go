package main

import (
	"os"

	"github.com/cendio/rpm2sysvpkg"
)

func main() {
	os.Exit(rpm2sysvpkg.RunConverter(os.Args[1:]))
}
