package main

import (
	"log"

	"github.com/modelfront/ollabridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
