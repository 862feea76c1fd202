package main

import (
	"os"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-bitlocker/cmd/bitlockerctl/cmd"
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	cmd.Execute()
}
