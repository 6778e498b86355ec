package main

import (
	"go.bctree.io/bctree/cmd"
)

func main() {
	cmd.Execute()
}
