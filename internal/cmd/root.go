package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

var (
	configPath string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "chat-relay",
	Short: "Presence and relay node for end-to-end encrypted chat",
	Long: `A presence and relay node for peer-to-peer encrypted chat.

Clients claim a username, see who else is online, and exchange
end-to-end encrypted payloads. The relay routes ciphertext between
live websocket connections and parks messages for poll-transport
clients; it never holds keys and never decrypts anything.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = utils.NewConfigManager(configPath)
		logger = utils.NewLogsManager(config)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
}
