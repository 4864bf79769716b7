// agentctl drives the GUI automation agent from a terminal. It talks to the
// agent backend directly through the task client, without the gateway.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/agent/transport"
	"github.com/HyphaGroup/agentbridge/internal/config"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

type globalOptions struct {
	configDir string
	url       string
	transport string
	userID    string
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Run and watch GUI automation tasks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			w := io.Discard
			if opts.verbose {
				w = cmd.ErrOrStderr()
			}
			logger.InitSlogWriter(w, false)
		},
	}
	root.SetVersionTemplate(`{{printf "agentctl %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configDir, "config", "c", "", "directory containing agentbridge.jsonc")
	pf.StringVar(&opts.url, "url", "", "agent backend URL (overrides config)")
	pf.StringVar(&opts.transport, "transport", "", "transport: auto, socketio or http (overrides config)")
	pf.StringVar(&opts.userID, "user", "", "user id sent with subscriptions and tasks")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log transport activity to stderr")

	root.AddCommand(newRunCmd(opts), newWatchCmd(opts), newCancelCmd(opts))
	return root
}

// backendConfig merges the config file, when one is found, with flags
func (o *globalOptions) backendConfig() (config.BackendSection, config.TasksSection, error) {
	cfg := config.Default()
	if path, err := config.FindConfigPath(o.configDir); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return config.BackendSection{}, config.TasksSection{}, err
		}
		cfg = loaded
	} else if o.configDir != "" {
		return config.BackendSection{}, config.TasksSection{}, err
	}

	if o.url != "" {
		cfg.Backend.URL = o.url
	}
	if o.transport != "" {
		cfg.Backend.Transport = strings.ToLower(strings.TrimSpace(o.transport))
	}
	if o.userID != "" {
		cfg.Backend.UserID = o.userID
	}
	if cfg.Backend.URL == "" {
		return config.BackendSection{}, config.TasksSection{}, fmt.Errorf("no backend URL: pass --url or create %s", config.FileName)
	}
	return cfg.Backend, cfg.Tasks, nil
}

// newClient builds an unconnected task client from the merged config
func (o *globalOptions) newClient() (*taskclient.Client, error) {
	backend, tasks, err := o.backendConfig()
	if err != nil {
		return nil, err
	}

	ch, err := transport.New(transport.Config{
		Type:   transport.Type(backend.Transport),
		URL:    backend.URL,
		UserID: backend.UserID,
		Retry: agent.RetryPolicy{
			MaxAttempts: backend.ReconnectAttempts,
			Delay:       backend.ReconnectDelay(),
		},
		PollInterval: backend.HealthPollInterval(),
	})
	if err != nil {
		return nil, err
	}

	return taskclient.New(ch, taskclient.Options{
		UserID:         backend.UserID,
		UseEnhanced:    tasks.UseEnhanced,
		DefaultTimeout: tasks.DefaultTimeout(),
		Grace:          tasks.TimeoutGrace(),
		CursorGrace:    tasks.CursorGrace(),
	}), nil
}

func formatDuration(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}
