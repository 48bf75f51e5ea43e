package main

import "github.com/stovon/lodestone/cmd"

func main() {
	cmd.Execute()
}
