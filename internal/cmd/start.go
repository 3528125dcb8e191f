package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hushnet-labs/chat-relay-node/internal/api"
	"github.com/hushnet-labs/chat-relay-node/internal/database"
	"github.com/hushnet-labs/chat-relay-node/internal/registry"
	"github.com/hushnet-labs/chat-relay-node/internal/relay"
	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chat relay node",
	Long: `Start the chat relay node.

This will:
- Open the pending-message mailbox store
- Start the HTTP API with the websocket and poll endpoints
- Begin routing ciphertext between connected clients`,
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting chat relay node...", "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}

		// Check if another instance is already running
		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				logger.Error(fmt.Sprintf("Another instance is already running with PID: %d", existingPID), "cli")
				fmt.Printf("Another instance is already running with PID: %d\n", existingPID)
				fmt.Println("Use 'chat-relay stop' to stop the existing instance first")
				os.Exit(1)
			}
			// Clean up stale PID file
			pidManager.RemovePIDFile()
		}

		currentPID := os.Getpid()
		if err := pidManager.WritePID(currentPID); err != nil {
			logger.Error(fmt.Sprintf("Failed to write PID file: %v", err), "cli")
			os.Exit(1)
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
			}
		}()

		logger.Info(fmt.Sprintf("Node started with PID: %d", currentPID), "cli")

		dbManager, err := database.NewSQLiteManager(config, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to open mailbox store: %v", err), "cli")
			os.Exit(1)
		}

		reg := registry.NewRegistry(logger)
		hub := relay.NewHub(reg, logger)

		apiServer := api.NewAPIServer(config, logger, reg, hub, dbManager)
		if err := apiServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start API server: %v", err), "cli")
			os.Exit(1)
		}

		fmt.Printf("Chat relay node is running on port %s. Press Ctrl+C to stop.\n", apiServer.GetPort())

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown signal received, stopping node...", "cli")

		if err := apiServer.Stop(); err != nil {
			logger.Error(fmt.Sprintf("Error stopping API server: %v", err), "cli")
		}
		if err := dbManager.Close(); err != nil {
			logger.Error(fmt.Sprintf("Error closing mailbox store: %v", err), "cli")
		}
		if err := pidManager.RemovePIDFile(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
		}

		logger.Info("Chat relay node stopped successfully", "cli")
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
