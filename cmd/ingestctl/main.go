package main

import "github.com/tendant/simple-ingest-pipeline/internal/cli"

func main() {
	cli.Main()
}
