package cmd

import (
	"fmt"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/cobra"

	"github.com/dsoprea/go-bitlocker"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Dump a volume's header and metadata replica",
	Run: func(cmd *cobra.Command, args []string) {
		h, err := bitlocker.Open(bitlocker.Config{
			Path:            filepathFromFlags(),
			PartitionOffset: flagPartitionOffset,
			ForceReplica:    flagForceReplica,
			ReadOnly:        true,
			InitStopAt:      bitlocker.StopAfterInformationCheck,
		})
		log.PanicIf(err)
		defer h.Close()

		if h.InformationHeader == nil {
			fmt.Println("no metadata replica could be read")
			return
		}

		h.InformationHeader.Dump()
	},
}
