package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Programator2/TSEM/internal/client"
)

func NewRoot(version string) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "tsem",
		Short:         "tsem: trusted security event modeling daemon and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("tsem {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.serverAddr, "server",
		getenvDefault("TSEM_SERVER", "http://127.0.0.1:7070"), "daemon base URL")
	cmd.PersistentFlags().StringVar(&cfg.apiKey, "api-key",
		getenvDefault("TSEM_API_KEY", ""), "API key (sent as X-API-Key)")
	cmd.PersistentFlags().StringVar(&cfg.apiKeyHeader, "api-key-header",
		getenvDefault("TSEM_API_KEY_HEADER", ""), "Header used for the API key")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newDomainCmd())
	cmd.AddCommand(newModelCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newHookCmd())
	cmd.AddCommand(newTrustCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

type clientConfig struct {
	serverAddr   string
	apiKey       string
	apiKeyHeader string
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	serverAddr, _ := cmd.Root().PersistentFlags().GetString("server")
	apiKey, _ := cmd.Root().PersistentFlags().GetString("api-key")
	header, _ := cmd.Root().PersistentFlags().GetString("api-key-header")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:7070"
	}
	return &clientConfig{serverAddr: serverAddr, apiKey: apiKey, apiKeyHeader: header}
}

func newClient(cmd *cobra.Command) *client.Client {
	cfg := getClientConfig(cmd)
	var opts []client.Option
	if cfg.apiKey != "" {
		opts = append(opts, client.WithAPIKey(cfg.apiKey, cfg.apiKeyHeader))
	}
	return client.New(cfg.serverAddr, opts...)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
