package main

import "github.com/jmcleod/warden/cmd/warden/cmd"

func main() {
	cmd.Execute()
}
