package main

import "github.com/frahmantamala/mobile-money/cmd"

func main() {
	cmd.Execute()
}
