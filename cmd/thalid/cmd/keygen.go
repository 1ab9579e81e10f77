package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thaliproject/thali-go/beacon"
)

var keygenOutFile string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh ECDH identity keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := beacon.GenerateECDHKeyPair()
		if err != nil {
			return fmt.Errorf("generating keypair: %w", err)
		}
		pub := pair.PublicKey()
		hash := beacon.KeyHashOf(pub)
		fmt.Printf("public_key: %s\n", hex.EncodeToString(pub))
		fmt.Printf("key_hash:   %s\n", hex.EncodeToString(hash[:]))

		if keygenOutFile != "" {
			if err := os.WriteFile(keygenOutFile, pair.PrivateBytes(), 0o600); err != nil {
				return fmt.Errorf("writing private key to %s: %w", keygenOutFile, err)
			}
			fmt.Printf("private_key written to %s\n", keygenOutFile)
		}
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOutFile, "out", "", "write the raw private key to this file (0600)")
	RootCmd.AddCommand(keygenCmd)
}
