package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/reelfetch/internal/config"
	"github.com/tanq16/reelfetch/internal/utils"
)

var (
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	awsProfile    string
	configFile    string
	debug         bool
	headers       []string
)

var ReelfetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "reelfetch",
	Short:   "reelfetch downloads media as parallel byte ranges into a ring buffer",
	Version: ReelfetchVersion,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", utils.DefaultRequestTimeout, "Per-request timeout (eg. 5s, 1m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 60*time.Second, "Keep-alive timeout for the HTTP client")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().StringVar(&awsProfile, "profile", "", "AWS profile for s3:// URLs")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newBatchCmd())
}

// loadConfig reads --config (or the defaults) and applies the persistent
// flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Fetch.Timeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		cfg.HTTP.KeepAlive = kaTimeout
	}
	if flags.Changed("user-agent") {
		cfg.HTTP.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		cfg.HTTP.Proxy = proxyURL
	}
	if len(headers) > 0 {
		if cfg.HTTP.Headers == nil {
			cfg.HTTP.Headers = make(map[string]string)
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			cfg.HTTP.Headers[k] = v
		}
	}
	return cfg, nil
}

// httpClientConfig builds the client settings, pulling proxy credentials out
// of the proxy URL when they were not given separately.
func httpClientConfig(cfg config.Config) utils.HTTPClientConfig {
	clientCfg := cfg.HTTPClient()
	clientCfg.ProxyUsername = proxyUsername
	clientCfg.ProxyPassword = proxyPassword
	parsedProxy, err := u.Parse(clientCfg.ProxyURL)
	if err == nil && parsedProxy.User != nil && clientCfg.ProxyUsername == "" {
		clientCfg.ProxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			clientCfg.ProxyPassword = password
		}
		parsedProxy.User = nil
		clientCfg.ProxyURL = parsedProxy.String()
	}
	return clientCfg
}
