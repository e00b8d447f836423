package main

import "github.com/becomeliminal/x402-upto/internal/cli"

func main() {
	cli.Execute()
}
