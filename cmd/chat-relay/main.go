package main

import (
	"github.com/hushnet-labs/chat-relay-node/internal/cmd"
)

func main() {
	cmd.Execute()
}
