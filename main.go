package main

import "github.com/tanq16/reelfetch/cmd"

func main() {
	cmd.Execute()
}
