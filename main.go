package main

import (
	"os"

	"github.com/bgpkit/monocle-sub001/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
