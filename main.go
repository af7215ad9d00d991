package main

import (
	"os"

	"github.com/pock-dev/pock/cmd"
	"github.com/pock-dev/pock/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if code, ok := errors.ExitCode(err); ok {
			os.Exit(code)
		}
		os.Exit(1)
	}
}
