package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"

	"viammulticalib"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: genericservice.API, Model: viammulticalib.RigCalibration},
	)
}
