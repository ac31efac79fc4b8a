package main

import (
	"github.com/sidkik/tbak/cmd"
	"github.com/sidkik/tbak/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
