package main

import "tw-inst-tracker/internal/cli"

func main() {
	cli.Execute()
}
