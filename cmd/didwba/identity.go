package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/did"
)

type identityOutput struct {
	DID          string `json:"did"`
	Method       string `json:"verification_method"`
	DocumentPath string `json:"document_path"`
	KeyPath      string `json:"private_key_path"`
}

func newIdentityCmd(opts *options) *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the local identity, creating it on first use",
		Long: `Load the did:wba identity of the selected principal from the identity
store, or generate and persist a new secp256k1 key and document.

Examples:
  didwba identity
  didwba identity -p alice -o json
  didwba identity --new`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fresh {
				principal, err := did.GenerateUniqueID()
				if err != nil {
					return err
				}
				opts.principal = principal
			}
			id, err := opts.identityStore().GetOrCreate(cmd.Context(), opts.principal)
			if err != nil {
				return err
			}
			out := identityOutput{
				DID:          id.Document.ID,
				Method:       id.MethodID,
				DocumentPath: filepath.Join(id.Dir, opts.cfg.DocumentFilename),
				KeyPath:      filepath.Join(id.Dir, opts.cfg.PrivateKeyFilename),
			}
			if opts.outputFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "DID:      %s\n", out.DID)
			fmt.Fprintf(w, "Method:   %s\n", out.Method)
			fmt.Fprintf(w, "Document: %s\n", out.DocumentPath)
			fmt.Fprintf(w, "Key:      %s\n", out.KeyPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fresh, "new", false, "create an identity under a random principal")
	return cmd
}
