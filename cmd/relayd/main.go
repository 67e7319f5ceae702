package main

import (
	"log"

	"github.com/voxhall/relayd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
