package main

import "crypto-rate-tracker/internal/cli"

func main() {
	cli.Execute()
}
