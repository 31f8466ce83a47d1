package main

import "github.com/druarnfield/blobload/internal/cli"

func main() {
	cli.Execute()
}
