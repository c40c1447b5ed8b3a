package main

import "github.com/agent-gate/agentgate/cmd/agent-gate/cmd"

func main() {
	cmd.Execute()
}
