// Package main implements relaytap, a small consumer for watching a
// running gateway. It connects to the /ws stream and prints events, or
// to /fanout with a shared secret and prints decrypted payloads.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/fanout"
)

func main() {
	var (
		gateway = flag.String("gateway", "ws://localhost:8080", "Gateway base URL")
		useFan  = flag.Bool("fanout", false, "Consume the encrypted /fanout stream instead of /ws")
		pubkey  = flag.String("pubkey", "", "Follower pubkey filter for /fanout")
		secret  = flag.String("secret", "", "Shared secret for decrypting /fanout payloads")
	)
	flag.Parse()

	if err := run(*gateway, *useFan, *pubkey, *secret); err != nil {
		fmt.Fprintln(os.Stderr, "relaytap:", err)
		os.Exit(1)
	}
}

func run(gateway string, useFan bool, pubkey, secret string) error {
	url := gateway + "/ws"
	if useFan {
		if secret == "" {
			return fmt.Errorf("--fanout requires --secret")
		}
		url = gateway + "/fanout"
		if pubkey != "" {
			url += "?pubkey=" + pubkey
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	fmt.Fprintln(os.Stderr, "connected to", url)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var line string
		if useFan {
			line, err = formatFanout(frame, secret)
		} else {
			line, err = formatEvent(frame)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		fmt.Println(line)
	}
}

func formatEvent(frame []byte) (string, error) {
	var ev event.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return "", fmt.Errorf("bad frame: %w", err)
	}
	return fmt.Sprintf("[kind %d] %s %s: %s", ev.Kind, short(ev.ID), short(ev.PubKey), ev.Content), nil
}

func formatFanout(frame []byte, secret string) (string, error) {
	var msg fanout.FanoutMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return "", fmt.Errorf("bad frame: %w", err)
	}
	plain, err := fanout.Decrypt(msg.Payload, secret)
	if err != nil {
		return "", fmt.Errorf("cannot decrypt %s (wrong secret?): %w", msg.OriginalEventID, err)
	}
	return fmt.Sprintf("[kind %d] bot %s -> %s: %s", msg.Kind, short(msg.BotPubkey), msg.TargetPubkey, plain), nil
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
