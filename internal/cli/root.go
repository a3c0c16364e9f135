package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vividflow/vividflow-api/internal/apiclient"
)

const (
	defaultAPIURL = "http://localhost:8080"
	envPrefix     = "VIVIDFLOW"
)

var errNoAPIKey = errors.New("no API key configured (use --api-key, VIVIDFLOW_API_KEY or api_key in the config file)")

// app carries the resolved settings shared by every subcommand.
type app struct {
	v          *viper.Viper
	httpClient *http.Client
}

func (a *app) client() (*Client, error) {
	key := a.v.GetString("api_key")
	if key == "" {
		return nil, errNoAPIKey
	}
	var opts []apiclient.Option
	if a.httpClient != nil {
		opts = append(opts, apiclient.WithHTTPClient(a.httpClient))
	}
	return NewClient(a.v.GetString("api_url"), key, opts...), nil
}

func (a *app) jsonOutput() bool {
	return a.v.GetString("output") == "json"
}

// NewRootCommand builds the vividctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New(), httpClient: &http.Client{Timeout: 60 * time.Second}}
	var cfgFile string

	root := &cobra.Command{
		Use:   "vividctl",
		Short: "CLI for the VividFlow image-to-video API",
		Long: `vividctl submits image-to-video jobs to a VividFlow server, follows them
to completion and reports usage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(a.v, cfgFile); err != nil {
				return err
			}
			switch out := a.v.GetString("output"); out {
			case "table", "json":
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table or json)", out)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vividctl.yaml)")
	pf.String("api-url", defaultAPIURL, "VividFlow API base URL")
	pf.String("api-key", "", "API key sent as X-API-Key")
	pf.StringP("output", "o", "table", "output format: table or json")
	_ = a.v.BindPFlag("api_url", pf.Lookup("api-url"))
	_ = a.v.BindPFlag("api_key", pf.Lookup("api-key"))
	_ = a.v.BindPFlag("output", pf.Lookup("output"))

	root.AddCommand(
		newSubmitCommand(a),
		newStatusCommand(a),
		newCancelCommand(a),
		newHistoryCommand(a),
		newUsageCommand(a),
		newModelsCommand(a),
		newCheckPromptCommand(a),
	)
	return root
}

// initConfig layers the optional config file and VIVIDFLOW_* environment
// variables under the command line flags.
func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigName(".vividctl")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
