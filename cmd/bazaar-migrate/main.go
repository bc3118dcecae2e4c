package main

import (
	"flag"
	"log"

	"bazaar/cmd/internal/app"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	if err := app.RunMigrate(*direction); err != nil {
		log.Fatal(err)
	}
}
