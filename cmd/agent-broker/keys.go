package main

import (
	"fmt"

	"github.com/ggoodman/agent-broker/keypair"
	"github.com/spf13/cobra"
)

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print the public key and fingerprint to register with the platform user",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		pem, err := rt.cred.PublicKeyPEM()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprint(out, string(pem))
		fmt.Fprintf(out, "fingerprint: %s%s\n", keypair.FingerprintPrefix, rt.cred.Fingerprint())
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print one freshly signed token",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		tok, err := rt.signer.Sign()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pubkeyCmd, tokenCmd)
}
