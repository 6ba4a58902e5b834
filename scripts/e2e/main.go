package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"telemetry-relay/internal/api"
	"telemetry-relay/internal/auth"
	k "telemetry-relay/internal/kafka"
	"telemetry-relay/internal/registry"
	"telemetry-relay/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

// Steps:
// 1. Connect a browser session bound to the device and join its room
// 2. Register a fake agent owning the device
// 3. Send one normal and one alarming result over the agent socket
// 4. Publish one more result to the kafka telemetry topic when -brokers is set
// 5. Check the browser received data and alarm pushes
// 6. Issue a restart twice and check the second is rate limited
// 7. Print the notification queue stats

func main() {
	base := flag.String("base", "localhost:8080", "relay host:port")
	brokers := flag.String("brokers", "", "kafka brokers, empty skips the kafka step")
	topic := flag.String("topic", "device-telemetry", "telemetry topic")
	secret := flag.String("secret", os.Getenv("RELAY_AUTH_JWT_SECRET"), "shared JWT secret")
	userID := flag.Int64("user", 1, "user bound to the device in the devices table")
	deviceID := flag.Int64("device", 1, "device id")
	flag.Parse()

	token, err := auth.New(auth.Config{Secret: *secret, TTL: time.Hour}).Issue(auth.Identity{UserID: *userID, Username: "e2e"})
	if err != nil {
		panic(err)
	}

	browser := dial("ws://" + *base + "/ws")
	defer browser.Close()
	expectAck(browser, wire.TypeAuth, "1", api.AuthRequest{Token: token})
	expectAck(browser, wire.TypeJoin, "2", api.RoomRequest{DeviceID: *deviceID, SubDeviceID: 1})

	agent := dial("ws://" + *base + "/agent")
	defer agent.Close()
	expectAck(agent, wire.TypeRegister, "1", registry.Metadata{
		Name:          "e2e-agent",
		MaxSubDevices: 4,
		Devices:       []registry.DeviceBinding{{DeviceID: *deviceID, SubDeviceIDs: []int64{1}}},
	})

	now := time.Now()
	expectAck(agent, wire.TypeResult, "2", result(*deviceID, now, false))
	expectAck(agent, wire.TypeResult, "3", result(*deviceID, now.Add(time.Second), true))

	if *brokers != "" {
		publish(*brokers, *topic, result(*deviceID, now.Add(2*time.Second), false))
	}

	seen := map[string]int{}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && (seen[wire.TypeData] < 2 || seen[wire.TypeAlarm] < 1) {
		browser.SetReadDeadline(deadline)
		var env wire.Envelope
		if err := browser.ReadJSON(&env); err != nil {
			fmt.Println("Browser read failed:", err)
			break
		}
		seen[env.Type]++
		fmt.Printf("Browser received %s: %s\n", env.Type, string(env.Data))
	}
	fmt.Printf("Pushes received: %v\n", seen)

	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(api.OperationRequest{Operation: "restart", SubDeviceID: 1})
		resp, err := http.Post(fmt.Sprintf("http://%s/devices/%d/operations", *base, *deviceID), "application/json", bytes.NewReader(body))
		if err != nil {
			panic(err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		fmt.Printf("Operation %d: HTTP %d %s\n", i+1, resp.StatusCode, string(raw))
	}

	time.Sleep(3 * time.Second)
	resp, err := http.Get("http://" + *base + "/queues/notifications/stats")
	if err != nil {
		panic(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	fmt.Printf("Queue stats: %s\n", string(raw))

	fmt.Println("E2E test completed")
}

func dial(url string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		panic(fmt.Errorf("failed to dial %s: %w", url, err))
	}
	return ws
}

func expectAck(ws *websocket.Conn, typ, id string, data any) {
	env, err := wire.New(typ, id, data)
	if err != nil {
		panic(err)
	}
	if err := ws.WriteJSON(env); err != nil {
		panic(err)
	}
	for {
		var reply wire.Envelope
		if err := ws.ReadJSON(&reply); err != nil {
			panic(err)
		}
		if reply.Type != wire.TypeAck || reply.ID != id {
			continue
		}
		var ack wire.Ack
		if err := reply.Decode(&ack); err != nil {
			panic(err)
		}
		if !ack.Success {
			panic(fmt.Errorf("%s rejected: %s %s", typ, ack.Reason, ack.Message))
		}
		fmt.Printf("%s ok\n", typ)
		return
	}
}

func result(deviceID int64, at time.Time, alarm bool) k.TelemetryResult {
	return k.TelemetryResult{
		DeviceID:    deviceID,
		SubDeviceID: 1,
		Items: []k.TelemetryItem{
			{Name: "temperature", RawValue: "21.5", ParsedValue: 21.5, Unit: "C"},
			{Name: "pressure", RawValue: "9.8", ParsedValue: 9.8, Unit: "bar", AlarmFlag: alarm},
		},
		Timestamp:  at.UnixMilli(),
		DurationMs: 40,
	}
}

func publish(brokers, topic string, r k.TelemetryResult) {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{brokers},
		Topic:   topic,
	})
	defer writer.Close()

	value, err := json.Marshal(k.UnstructuredConnectRecord{Payload: r})
	if err != nil {
		panic(err)
	}
	if err := writer.WriteMessages(context.TODO(), kafka.Message{Value: value}); err != nil {
		fmt.Printf("failed to write message: %v\n", err)
		return
	}
	fmt.Printf("Published 1 result to Kafka topic '%s'\n", topic)
}
