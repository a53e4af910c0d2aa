package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/tomaslejdung/scenesync/pkg/pool"
	"github.com/tomaslejdung/scenesync/pkg/relay"
	"github.com/tomaslejdung/scenesync/pkg/transport"
)

// DefaultRelayServer is the default signaling relay for session setup
const DefaultRelayServer = "ws://localhost:8080"

// Config holds runtime configuration
type Config struct {
	ServeMode bool
	Port      int
	Room      string
	RelayURL  string
	Avatar    string
	FPS       int
	Help      bool

	// TURN server configuration
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

func parseFlags(defaults UserSettings) Config {
	config := Config{}

	flag.BoolVar(&config.ServeMode, "serve", false, "Run as signaling relay only")
	flag.BoolVar(&config.ServeMode, "s", false, "Run as signaling relay only (shorthand)")

	flag.IntVar(&config.Port, "port", 8080, "Relay server port")
	flag.IntVar(&config.Port, "p", 8080, "Relay server port (shorthand)")

	flag.StringVar(&config.Room, "room", defaults.Room, "Room code to join (generated if empty)")
	flag.StringVar(&config.RelayURL, "relay", defaults.RelayURL, "Signaling relay URL")
	flag.StringVar(&config.Avatar, "avatar", defaults.Avatar, "Asset path for the local avatar")
	flag.IntVar(&config.FPS, "fps", defaults.FPS, "Reconciliation tick rate")

	// TURN server flags
	flag.StringVar(&config.TURNServer, "turn", "", "TURN server URL (e.g., turn:turn.example.com:3478)")
	flag.StringVar(&config.TURNUser, "turn-user", "", "TURN server username")
	flag.StringVar(&config.TURNPass, "turn-pass", "", "TURN server password")
	flag.BoolVar(&config.ForceRelay, "force-relay", false, "Force TURN relay (disable direct P2P)")

	flag.BoolVar(&config.Help, "help", false, "Show help")
	flag.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	flag.Parse()

	return config
}

func printHelp() {
	fmt.Println(`SceneSync - P2P object synchronization for shared virtual scenes

Usage: scenesync [options]

Peers joining the same room replicate a set of networked objects between
each other over direct data channels. The relay is only used to set the
connections up.

Options:
  --room <code>          Room to join (a code is generated if omitted)
  --relay <url>          Signaling relay URL (default: ` + DefaultRelayServer + `)
  --avatar <path>        Asset path for the local avatar
  --fps <rate>           Reconciliation tick rate (default: 30)
  --serve, -s            Run as signaling relay only
  --port, -p <port>      Relay server port (default: 8080)
  --help, -h             Show help

Network Options:
  --turn <url>           TURN server URL (e.g., turn:turn.example.com:3478)
  --turn-user <user>     TURN server username
  --turn-pass <pass>     TURN server password
  --force-relay          Force TURN relay (disable direct P2P connections)

TUI Controls:
  ↑/↓ or j/k    Select an object
  n             Create a new prop object
  g             Grab ownership of the selected object
  x             Remove the selected object (owner only)
  ←/→           Nudge the selected object (owner only)
  q             Quit`)
}

func main() {
	sm, err := NewSettingsManager()
	if err != nil {
		log.Fatalf("Failed to locate settings: %v", err)
	}
	defaults, err := sm.Load()
	if err != nil {
		log.Printf("Failed to load settings, using defaults: %v", err)
	}

	config := parseFlags(defaults)

	if config.Help {
		printHelp()
		return
	}

	// Relay-only mode
	if config.ServeMode {
		runRelay(config.Port)
		return
	}

	room := relay.NormalizeRoomCode(config.Room)
	if room == "" {
		room = relay.GenerateRoomCode()
	}

	// Remember the session for next time
	saved := defaults
	saved.RelayURL = config.RelayURL
	saved.Room = room
	saved.Avatar = config.Avatar
	saved.FPS = config.FPS
	if err := sm.Save(saved); err != nil {
		log.Printf("Failed to save settings: %v", err)
	}

	endpoint := fmt.Sprintf("%s/ws/%s", strings.TrimSuffix(config.RelayURL, "/"), room)

	scene := newDemoScene()
	p := pool.New(pool.Config{
		Endpoint: endpoint,
		ICE: transport.ICEConfig{
			TURNServer: config.TURNServer,
			TURNUser:   config.TURNUser,
			TURNPass:   config.TURNPass,
			ForceRelay: config.ForceRelay,
		},
		Loader: scene,
		Scene:  scene,
	})

	if err := RunTUI(p, scene, room, config); err != nil {
		log.Fatalf("TUI error: %v", err)
	}
}

func runRelay(port int) {
	server := relay.NewServer()
	addr := fmt.Sprintf(":%d", port)

	fmt.Printf("Starting signaling relay on http://localhost%s\n", addr)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.StartServer(addr); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
}
