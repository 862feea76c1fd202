package cmd

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/cobra"

	"github.com/dsoprea/go-bitlocker"
)

var (
	readOffset int64
	readLength int64
	readOutput string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read decrypted bytes from a volume",
	Run: func(cmd *cobra.Command, args []string) {
		h, err := bitlocker.Open(bitlocker.Config{
			Path:            filepathFromFlags(),
			PartitionOffset: flagPartitionOffset,
			ForceReplica:    flagForceReplica,
			ReadOnly:        true,
			Credential:      credentialFromFlags(),
		})
		log.PanicIf(err)
		defer h.Close()

		length := readLength
		if length <= 0 {
			length = h.VolumeSize() - readOffset
		}

		var g *os.File
		if readOutput == "-" || readOutput == "" {
			g = os.Stdout
		} else {
			g, err = os.Create(readOutput)
			log.PanicIf(err)
			defer g.Close()
		}

		const chunkSize = 1024 * 1024
		buf := make([]byte, chunkSize)

		var done int64
		for done < length {
			n := int64(chunkSize)
			if length-done < n {
				n = length - done
			}

			err = h.Read(readOffset+done, buf[:n])
			log.PanicIf(err)

			_, err = g.Write(buf[:n])
			log.PanicIf(err)

			done += n
		}

		if readOutput != "-" && readOutput != "" {
			fmt.Printf("(%d) bytes written.\n", done)
		}
	},
}

func init() {
	readCmd.Flags().Int64Var(&readOffset, "offset", 0, "logical byte offset to start reading from")
	readCmd.Flags().Int64Var(&readLength, "length", 0, "number of bytes to read (0 means to end of volume)")
	readCmd.Flags().StringVar(&readOutput, "output", "-", "output file-path ('-' for STDOUT)")
}
