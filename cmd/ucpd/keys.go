package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sumup/ucp/signing"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage response and webhook signing keys",
	}
	cmd.AddCommand(keysGenerateCmd())
	cmd.AddCommand(keysPublicCmd())
	return cmd
}

func keysGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a P-256 signing key as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signing.GenerateKey()
			if err != nil {
				return err
			}
			pemBytes, err := signing.EncodePrivateKeyPEM(key)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			jwk, err := signing.PublicJWK(&key.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (kid %s)\n", out, jwk.Kid)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "file to write the key to, stdout when empty")
	return cmd
}

// keysPublicCmd prints the JWK set for a key file, the form agents load as
// trusted keys.
func keysPublicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "public [key.pem]",
		Short: "Print the public JWK set of a PEM signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			key, err := signing.ParsePrivateKeyPEM(data)
			if err != nil {
				return err
			}
			jwk, err := signing.PublicJWK(&key.PublicKey)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(signing.KeySet{Keys: []signing.JWK{jwk}})
		},
	}
}
