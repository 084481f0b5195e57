package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/client"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/wba"
)

type exchange struct {
	Auth   string          `json:"auth"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Text   string          `json:"text,omitempty"`
}

func newRequestCmd(opts *options) *cobra.Command {
	var (
		server  string
		method  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <path>",
		Short: "Send a signed request, then repeat it with the issued token",
		Long: `Send one request authenticated with a DIDWba signature. When the server
answers with a bearer token the same request is sent again using the token.

Examples:
  didwba request /wba/test
  didwba request /ad.json --server https://agents.example.com -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			if server == "" {
				server = opts.cfg.TargetServerURL
			}

			id, err := opts.identityStore().GetOrCreate(cmd.Context(), opts.principal)
			if err != nil {
				return err
			}
			signer, err := wba.NewSigner(id.Document, storage.MethodFragment, id.Key)
			if err != nil {
				return err
			}
			c := client.New(server, signer,
				client.WithHTTPClient(&http.Client{Timeout: timeout}),
				client.WithLogger(opts.logger),
			)

			var results []exchange
			for _, auth := range []string{"signature", "token"} {
				if auth == "token" && c.Token(hostOf(server)) == "" {
					break
				}
				req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimSuffix(server, "/")+path, nil)
				if err != nil {
					return err
				}
				resp, err := c.Do(req)
				if err != nil {
					return fmt.Errorf("%s request: %w", auth, err)
				}
				ex, err := readExchange(auth, resp)
				if err != nil {
					return err
				}
				results = append(results, ex)
			}

			if opts.outputFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			w := cmd.OutOrStdout()
			for _, ex := range results {
				fmt.Fprintf(w, "[%s] %d\n", ex.Auth, ex.Status)
				if len(ex.Body) > 0 {
					fmt.Fprintln(w, string(ex.Body))
				} else if ex.Text != "" {
					fmt.Fprintln(w, ex.Text)
				}
			}
			if last := results[len(results)-1]; last.Status >= 400 {
				return fmt.Errorf("server answered %d", last.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "target server URL (default DIDWBA_TARGET_SERVER_URL)")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

func readExchange(auth string, resp *http.Response) (exchange, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return exchange{}, fmt.Errorf("read response: %w", err)
	}
	ex := exchange{Auth: auth, Status: resp.StatusCode}
	if json.Valid(body) {
		ex.Body = body
	} else {
		ex.Text = string(body)
	}
	return ex, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
