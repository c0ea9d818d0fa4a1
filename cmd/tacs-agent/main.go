package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/tacs/cmd/tacs-agent/app"
)

func main() {
	app.NewApp().Run()
}
