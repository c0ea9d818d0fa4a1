package main

import (
	"os"

	"k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/tacs/cmd/tacsctl/app"
)

func main() {
	ctx := server.SetupSignalContext()
	if err := app.NewTacsctlCommand(ctx, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
