package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/cobra"

	"github.com/dsoprea/go-bitlocker"
)

var (
	writeOffset int64
	writeInput  string
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write encrypted bytes to a volume",
	Run: func(cmd *cobra.Command, args []string) {
		h, err := bitlocker.Open(bitlocker.Config{
			Path:            filepathFromFlags(),
			PartitionOffset: flagPartitionOffset,
			ForceReplica:    flagForceReplica,
			Credential:      credentialFromFlags(),
		})
		log.PanicIf(err)
		defer h.Close()

		var f *os.File
		if writeInput == "-" || writeInput == "" {
			f = os.Stdin
		} else {
			f, err = os.Open(writeInput)
			log.PanicIf(err)
			defer f.Close()
		}

		const chunkSize = 1024 * 1024
		buf := make([]byte, chunkSize)

		var done int64
		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				err = h.Write(writeOffset+done, buf[:n])
				log.PanicIf(err)
				done += int64(n)
			}

			if readErr == io.EOF {
				break
			}
			log.PanicIf(readErr)
		}

		fmt.Printf("(%d) bytes written.\n", done)
	},
}

func init() {
	writeCmd.Flags().Int64Var(&writeOffset, "offset", 0, "logical byte offset to start writing at")
	writeCmd.Flags().StringVar(&writeInput, "input", "-", "input file-path ('-' for STDIN)")
}
