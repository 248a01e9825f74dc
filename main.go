package main

import "github.com/nextlevelbuilder/clawgram/cmd"

func main() {
	cmd.Execute()
}
