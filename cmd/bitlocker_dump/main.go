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
	OutputFilepath  string `short:"o" long:"output-filepath" description:"File-path to write decrypted bytes to ('-' for STDOUT)" required:"true"`
	PartitionOffset int64  `short:"p" long:"partition-offset" description:"Byte offset of the partition within Filepath"`
	ForceReplica    int    `short:"r" long:"force-replica" description:"Use metadata replica N (1-3) unconditionally, skipping CRC validation"`

	RecoveryPassword string `long:"recovery-password" description:"48-digit recovery password"`
	UserPassword     string `long:"user-password" description:"Volume user password"`
	BekFilepath      string `long:"bek-filepath" description:"Path to a .BEK external-key file"`
	FvekFilepath     string `long:"fvek-filepath" description:"Path to a raw FVEK file, bypassing VMK and FVEK unwrap entirely"`
	VmkFilepath      string `long:"vmk-filepath" description:"Path to a raw 32-byte VMK file, bypassing VMK unwrap"`
	ClearKey         bool   `long:"clear-key" description:"Use the volume's own clear-key protector (no secret required)"`

	ChunkSize int64 `short:"c" long:"chunk-size" description:"Bytes read per translated chunk" default:"1048576"`
}

var (
	rootArguments = new(rootParameters)
)

func credentialFromArguments() bitlocker.Credential {
	switch {
	case rootArguments.RecoveryPassword != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialRecoveryPassword, RecoveryPassword: rootArguments.RecoveryPassword}
	case rootArguments.UserPassword != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialUserPassword, UserPassword: rootArguments.UserPassword}
	case rootArguments.BekFilepath != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialBekFile, BekFilePath: rootArguments.BekFilepath}
	case rootArguments.FvekFilepath != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialFvekFile, FvekFilePath: rootArguments.FvekFilepath}
	case rootArguments.VmkFilepath != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialVmkFile, VmkFilePath: rootArguments.VmkFilepath}
	default:
		return bitlocker.Credential{Kind: bitlocker.CredentialClearKey}
	}
}

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
		Credential:      credentialFromArguments(),
	})
	log.PanicIf(err)
	defer h.Close()

	var g *os.File

	if rootArguments.OutputFilepath == "-" {
		g = os.Stdout
	} else {
		g, err = os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer g.Close()
	}

	volumeSize := h.VolumeSize()
	chunkSize := rootArguments.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1024 * 1024
	}

	buf := make([]byte, chunkSize)

	var written int64
	for written < volumeSize {
		n := chunkSize
		if volumeSize-written < n {
			n = volumeSize - written
		}

		err = h.Read(written, buf[:n])
		log.PanicIf(err)

		_, err = g.Write(buf[:n])
		log.PanicIf(err)

		written += n
	}

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("(%d) bytes written.\n", written)
	}
}
