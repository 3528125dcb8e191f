package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect node configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the effective configuration as YAML.

The output reflects the defaults, the config file, and any
CHAT_RELAY_* environment overrides, in that order.`,
	Run: func(cmd *cobra.Command, args []string) {
		data, err := yaml.Marshal(config.GetAllConfigs())
		if err != nil {
			fmt.Printf("Failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			fmt.Println(configPath)
			return
		}
		fmt.Println(utils.GetAppPaths("").GetConfigPath("configs"))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
