package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"telemetry-relay/internal/api"
	"telemetry-relay/internal/auth"
	"telemetry-relay/internal/wire"

	"github.com/gorilla/websocket"
)

// Browser session simulator: signs a token, joins one room and prints
// everything the relay pushes until interrupted.
func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay browser endpoint")
	secret := flag.String("secret", os.Getenv("RELAY_AUTH_JWT_SECRET"), "shared JWT secret")
	userID := flag.Int64("user", 1, "user id to sign into the token")
	deviceID := flag.Int64("device", 1, "device id")
	subDeviceID := flag.Int64("sub", 0, "sub-device id")
	flag.Parse()

	token, err := auth.New(auth.Config{Secret: *secret, TTL: time.Hour}).Issue(auth.Identity{UserID: *userID, Username: "client"})
	if err != nil {
		panic(err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		panic(fmt.Errorf("failed to dial %s: %w", *addr, err))
	}
	defer ws.Close()

	send(ws, wire.TypeAuth, "auth-1", api.AuthRequest{Token: token})
	send(ws, wire.TypeJoin, "join-1", api.RoomRequest{DeviceID: *deviceID, SubDeviceID: *subDeviceID})

	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			send(ws, wire.TypeHeartbeat, "hb", nil)
		}
	}()

	for {
		var env wire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			fmt.Println("Connection closed:", err)
			return
		}
		fmt.Printf("%s [%s] id=%s %s\n", time.UnixMilli(env.Timestamp).Format(time.RFC3339), env.Type, env.ID, string(env.Data))
	}
}

func send(ws *websocket.Conn, typ, id string, data any) {
	env, err := wire.New(typ, id, data)
	if err != nil {
		panic(err)
	}
	if err := ws.WriteJSON(env); err != nil {
		panic(err)
	}
}
