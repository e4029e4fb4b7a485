package main

import "github.com/jake-scott/thingsboard-rpc/cmd"

func main() {
	cmd.Execute()
}
