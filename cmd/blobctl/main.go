package main

import (
	"log"

	"blobgate/cmd/blobctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
