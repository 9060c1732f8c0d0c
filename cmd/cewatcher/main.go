package main

import (
	_ "time/tzdata"

	"cewatcher/internal/cli"
)

func main() {
	cli.Execute()
}
