package main

import "github.com/nextlevelbuilder/firewatch/cmd"

func main() {
	cmd.Execute()
}
