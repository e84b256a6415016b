package main

import "github.com/jagc-sh/jagc/cmd"

func main() {
	cmd.Execute()
}
