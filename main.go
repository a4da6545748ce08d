package main

import "github.com/masqhq/masq/cmd"

func main() {
	cmd.Execute()
}
