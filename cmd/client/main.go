package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cbodonnell/plaza/pkg/channel"
	"github.com/cbodonnell/plaza/pkg/config"
	"github.com/cbodonnell/plaza/pkg/dialogue"
	"github.com/cbodonnell/plaza/pkg/game"
	"github.com/cbodonnell/plaza/pkg/game/constants"
	"github.com/cbodonnell/plaza/pkg/geocode"
	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/presence"
	"github.com/cbodonnell/plaza/pkg/repositories/models"
	"github.com/cbodonnell/plaza/pkg/worldevents"
	"github.com/cbodonnell/plaza/pkg/worldsync"
)

// A headless participant: it walks a city, talks to the NPCs it meets and
// logs everyone else it sees on the channel.
func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server base URL")
	city := flag.String("city", "Manila", "City to join")
	userID := flag.String("user", "", "User id, defaults to a random one")
	characterID := flag.String("character", "", "Character id, defaults to the user id")
	name := flag.String("name", "", "Character name")
	mapPath := flag.String("map", "", "City map YAML, defaults to the built-in map")
	wanderInterval := flag.Duration("wander-interval", 5*time.Second, "How often to pick a new destination")
	chatInterval := flag.Duration("chat-interval", 30*time.Second, "How often to talk to the nearest NPC")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if *userID == "" {
		*userID = fmt.Sprintf("bot-%04d", rng.Intn(10000))
	}
	if *characterID == "" {
		*characterID = *userID
	}
	if *name == "" {
		*name = *userID
	}

	cityMap, err := config.LoadCityMap(*mapPath, *city)
	if err != nil {
		panic(fmt.Sprintf("Failed to load city map: %v", err))
	}
	world, err := game.NewWorld(game.NewWorldOptions{Map: cityMap, Rand: rng})
	if err != nil {
		panic(fmt.Sprintf("Failed to create world: %v", err))
	}

	realtimeURL, err := channel.RealtimeURL(*serverURL, os.Getenv("PLAZA_API_KEY"))
	if err != nil {
		panic(fmt.Sprintf("Failed to build realtime URL: %v", err))
	}
	accessToken := os.Getenv("PLAZA_ACCESS_TOKEN")

	start := world.Player()
	session := worldsync.NewSession(worldsync.NewSessionOptions{
		Identity:        presence.Identity{UserID: *userID, CharacterID: *characterID, City: world.City()},
		InitialPresence: presence.Fields{Name: *name, X: &start.Position.X, Y: &start.Position.Y},
		Channel: channel.NewChannel(channel.NewChannelOptions{
			URL:         realtimeURL,
			Name:        "world:" + world.City(),
			PresenceKey: *userID,
			AccessToken: accessToken,
		}),
		Store: worldevents.NewClient(worldevents.NewClientOptions{
			Endpoint:    strings.TrimRight(*serverURL, "/") + "/world-events",
			AccessToken: accessToken,
		}),
		Geocoder: geocode.NewClient(geocode.NewClientOptions{}),
	})
	session.OnPlayerJoined(func(p presence.Record) {
		log.Info("%s joined at (%.0f, %.0f)", p.CharacterName, p.X, p.Y)
	})
	session.OnPlayerLeft(func(p presence.Record) {
		log.Info("%s left", p.CharacterName)
	})
	session.OnChatMessage(func(m channel.ChatMessage) {
		log.Info("%s: %s", m.UserID, m.Message)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		panic(fmt.Sprintf("Failed to connect: %v", err))
	}
	go session.Run(ctx)

	loop := game.NewLoop(game.NewLoopOptions{
		World: world,
		OnTick: func(player game.Body) {
			session.BroadcastMove(ctx, player.Position.X, player.Position.Y, string(player.Direction), "")
		},
	})
	go loop.Start(ctx)

	talker := dialogue.NewClient(dialogue.NewClientOptions{APIKey: os.Getenv("PLAZA_LLM_API_KEY")})

	wanderTicker := time.NewTicker(*wanderInterval)
	defer wanderTicker.Stop()
	chatTicker := time.NewTicker(*chatInterval)
	defer chatTicker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			log.Info("Received signal %s, leaving %s", sig, world.City())
			disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
			session.Disconnect(disconnectCtx)
			disconnectCancel()
			return
		case <-wanderTicker.C:
			bounds := world.Bounds()
			x, y := rng.Float64()*bounds.Width, rng.Float64()*bounds.Height
			if world.BlockedAt(x, y) {
				log.Debug("Destination (%.0f, %.0f) is inside a building", x, y)
				continue
			}
			world.MovePlayerTo(x, y)
		case <-chatTicker.C:
			talkToNearestNPC(ctx, world, session, talker, *name)
		}
	}
}

func talkToNearestNPC(ctx context.Context, world *game.World, session *worldsync.Session, talker *dialogue.Client, playerName string) {
	npcs := world.NearbyNPCs(constants.NPCInteractRadius)
	if len(npcs) == 0 {
		log.Debug("No NPC within %.0f", constants.NPCInteractRadius)
		return
	}
	npc := npcs[0]
	message := fmt.Sprintf("Hi %s, what is good to see around %s?", npc.Name, world.City())
	reply := talker.Chat(ctx, npc.Persona(), message, playerName, world.City())
	log.Info("%s -> %s: %s", playerName, npc.Name, message)
	log.Info("%s: %s", npc.Name, reply)

	session.BroadcastChat(ctx, message, npc.ID)
	session.RecordNPCChat(ctx, models.NPCChat{
		NPCID:      npc.ID,
		NPCName:    npc.Name,
		PlayerName: playerName,
		Message:    message,
		Reply:      reply,
	})
}
