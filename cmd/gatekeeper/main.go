package main

import "github.com/terraconstructs/gatekeeper/cmd/gatekeeper/cmd"

func main() {
	cmd.Execute()
}
