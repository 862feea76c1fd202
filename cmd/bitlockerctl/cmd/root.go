// Package cmd implements bitlockerctl's command tree: info, read, and write
// over a BitLocker volume, sharing one set of volume/credential flags across
// subcommands via viper.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dsoprea/go-bitlocker"
)

var (
	flagFilepath        string
	flagPartitionOffset int64
	flagForceReplica    int

	flagRecoveryPassword string
	flagUserPassword     string
	flagBekFilepath      string
	flagFvekFilepath     string
	flagVmkFilepath      string
	flagClearKey         bool
)

var rootCmd = &cobra.Command{
	Use:   "bitlockerctl",
	Short: "Inspect and translate BitLocker-encrypted volumes",
	Long: `bitlockerctl opens a BitLocker volume or image and either dumps its
metadata, reads decrypted bytes from it, or writes encrypted bytes back to it,
given one of the volume's key protectors.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagFilepath, "filepath", "", "path to the volume or image")
	rootCmd.PersistentFlags().Int64Var(&flagPartitionOffset, "partition-offset", 0, "byte offset of the partition within filepath")
	rootCmd.PersistentFlags().IntVar(&flagForceReplica, "force-replica", 0, "use metadata replica N (1-3) unconditionally")

	rootCmd.PersistentFlags().StringVar(&flagRecoveryPassword, "recovery-password", "", "48-digit recovery password")
	rootCmd.PersistentFlags().StringVar(&flagUserPassword, "user-password", "", "volume user password")
	rootCmd.PersistentFlags().StringVar(&flagBekFilepath, "bek-filepath", "", "path to a .BEK external-key file")
	rootCmd.PersistentFlags().StringVar(&flagFvekFilepath, "fvek-filepath", "", "path to a raw FVEK file")
	rootCmd.PersistentFlags().StringVar(&flagVmkFilepath, "vmk-filepath", "", "path to a raw 32-byte VMK file")
	rootCmd.PersistentFlags().BoolVar(&flagClearKey, "clear-key", false, "use the volume's own clear-key protector")

	viper.BindPFlag("filepath", rootCmd.PersistentFlags().Lookup("filepath"))
	viper.BindPFlag("partition-offset", rootCmd.PersistentFlags().Lookup("partition-offset"))
	viper.BindPFlag("force-replica", rootCmd.PersistentFlags().Lookup("force-replica"))

	viper.SetEnvPrefix("BITLOCKERCTL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(infoCmd, readCmd, writeCmd)
}

// Execute runs the root command, exiting nonzero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func credentialFromFlags() bitlocker.Credential {
	switch {
	case flagRecoveryPassword != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialRecoveryPassword, RecoveryPassword: flagRecoveryPassword}
	case flagUserPassword != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialUserPassword, UserPassword: flagUserPassword}
	case flagBekFilepath != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialBekFile, BekFilePath: flagBekFilepath}
	case flagFvekFilepath != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialFvekFile, FvekFilePath: flagFvekFilepath}
	case flagVmkFilepath != "":
		return bitlocker.Credential{Kind: bitlocker.CredentialVmkFile, VmkFilePath: flagVmkFilepath}
	default:
		return bitlocker.Credential{Kind: bitlocker.CredentialClearKey}
	}
}

func filepathFromFlags() string {
	if v := viper.GetString("filepath"); v != "" {
		return v
	}
	return flagFilepath
}
