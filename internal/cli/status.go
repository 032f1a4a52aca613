package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/engine"
	"github.com/younfor/chat-work/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show chat-work status and configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("chat-work %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:  error loading: %v\n", err)
				return nil
			}

			auth := "off"
			if cfg.Server.AuthToken != "" {
				auth = "bearer"
			}
			fmt.Printf("Server:  %s:%d auth=%s\n", cfg.Server.Host, cfg.Server.Port, auth)

			store := cfg.Session.Store
			if store == "" {
				store = "memory"
			}
			fmt.Printf("Session: store=%s maxHistory=%d\n", store, cfg.Session.MaxHistory)

			engines := engine.NewRegistryFromConfig(cfg.Engine, log).List()
			if len(engines) > 0 {
				fmt.Printf("Engine:  %s\n", strings.Join(engines, ", "))
			} else {
				fmt.Println("Engine:  (none detected)")
			}

			if cfg.Feishu != nil {
				fmt.Printf("Feishu:  appId=%s signed=%v\n", cfg.Feishu.AppID, cfg.Feishu.EncryptKey != "")
			} else {
				fmt.Println("Feishu:  (not configured)")
			}

			fmt.Printf("Sandbox: dirs=%s blockedCommands=%d\n",
				strings.Join(cfg.Sandbox.AllowedDirs, ","), len(cfg.Sandbox.BlockedCommands))

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}
