package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/config"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
)

// Version is set at build time.
var Version = "dev"

type options struct {
	principal    string
	outputFormat string
	verbose      bool
	cfg          config.Config
	logger       *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "didwba",
		Short: "DID-WBA identity and request signing client",
		Long: `didwba manages a local did:wba identity and sends requests signed with it.

The identity store location, DID host and target server are read from the
same DIDWBA_* environment variables (and .env files) as the server.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			opts.cfg = cfg
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.principal, "principal", "p", "user", "local principal owning the identity")
	root.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", "text", "output format: text or json")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newIdentityCmd(opts), newRequestCmd(opts))
	return root
}

func (o *options) identityStore() *storage.FileIdentityStore {
	return storage.NewFileIdentityStore(o.cfg.DocumentsPath,
		storage.WithFileNames(o.cfg.DocumentFilename, o.cfg.PrivateKeyFilename),
		storage.WithDIDAuthority(o.cfg.DIDHost, o.cfg.DIDPort),
		storage.WithPathPrefix(o.cfg.DIDPathPrefix...),
		storage.WithKeyEncoding(o.cfg.KeyEncoding),
		storage.WithFileLogger(o.logger),
	)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

