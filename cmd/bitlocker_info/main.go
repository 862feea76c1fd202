package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-bitlocker"
)

type rootParameters struct {
	Filepath        string `short:"f" long:"filepath" description:"File-path of the volume or image" required:"true"`
	PartitionOffset int64  `short:"p" long:"partition-offset" description:"Byte offset of the partition within Filepath"`
	ForceReplica    int    `short:"r" long:"force-replica" description:"Use metadata replica N (1-3) unconditionally, skipping CRC validation"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	h, err := bitlocker.Open(bitlocker.Config{
		Path:            rootArguments.Filepath,
		PartitionOffset: rootArguments.PartitionOffset,
		ForceReplica:    rootArguments.ForceReplica,
		ReadOnly:        true,
		InitStopAt:      bitlocker.StopAfterInformationCheck,
	})
	log.PanicIf(err)
	defer h.Close()

	if h.InformationHeader == nil {
		fmt.Printf("No metadata replica could be read.\n")
		os.Exit(2)
	}

	h.InformationHeader.Dump()
}
