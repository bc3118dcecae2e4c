// Command bazaar-room runs a room process behind the edge's room dispatcher.
package main

import (
	"log"

	"bazaar/cmd/internal/app"
)

func main() {
	if err := app.RunRoom(); err != nil {
		log.Fatal(err)
	}
}
