package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/tomaslejdung/scenesync/pkg/relay"
)

func main() {
	port := flag.Int("port", 8080, "Relay server port")
	flag.Parse()

	server := relay.NewServer()
	addr := fmt.Sprintf(":%d", *port)

	fmt.Printf("Starting signaling relay on http://localhost%s\n", addr)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.StartServer(addr); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
}
