// Package main is the orthorectify command itself.
package main

import (
	"os"

	"github.com/airbusgeo/godal"
	"github.com/edaniels/golog"

	"github.com/openaerialmap/orthorectify/cli"
)

func main() {
	godal.RegisterAll()

	if err := cli.NewApp().Run(os.Args); err != nil {
		golog.Global.Fatal(err)
	}
}
