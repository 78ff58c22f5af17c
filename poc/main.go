// Interactive terminal client for poking at a running server. Useful for
// manual GM setup and cadence experiments without a Discord-style frontend.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	user := flag.String("user", "", "acting user id sent as X-User-ID")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Commands: claim | civ <name> | assign <user> <civ> | rule <civ1> <civ2> <interval> <max> | send <civ> <message> | whoami | diplomacy | quit")

	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "claim":
			call(client, *addr, *user, http.MethodPost, "/api/gm/claim", nil)
		case "civ":
			if len(fields) != 2 {
				fmt.Println("usage: civ <name>")
				continue
			}
			call(client, *addr, *user, http.MethodPost, "/api/gm/civs", map[string]any{"name": fields[1]})
		case "assign":
			if len(fields) != 3 {
				fmt.Println("usage: assign <user> <civ>")
				continue
			}
			call(client, *addr, *user, http.MethodPost, "/api/gm/players", map[string]any{"user_id": fields[1], "civ": fields[2]})
		case "rule":
			if len(fields) != 5 {
				fmt.Println("usage: rule <civ1> <civ2> <interval_seconds> <max_messages>")
				continue
			}
			var interval, max int64
			if _, err := fmt.Sscanf(fields[3]+" "+fields[4], "%d %d", &interval, &max); err != nil {
				fmt.Println("interval and max must be integers")
				continue
			}
			call(client, *addr, *user, http.MethodPost, "/api/gm/rules", map[string]any{
				"civ1": fields[1], "civ2": fields[2],
				"interval_seconds": interval, "max_messages": max,
			})
		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <civ> <message>")
				continue
			}
			call(client, *addr, *user, http.MethodPost, "/api/send", map[string]any{
				"civ": fields[1], "message": strings.Join(fields[2:], " "),
			})
		case "whoami":
			call(client, *addr, *user, http.MethodGet, "/api/whoami", nil)
		case "diplomacy":
			call(client, *addr, *user, http.MethodGet, "/api/diplomacy", nil)
		case "quit":
			return
		default:
			fmt.Println("unknown command")
		}
	}
}

func call(client *http.Client, addr, user, method, path string, body map[string]any) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fmt.Println("encode:", err)
			return
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, addr+path, payload)
	if err != nil {
		fmt.Println("request:", err)
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("call:", err)
		return
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Printf("[%d]\n%s\n", resp.StatusCode, pretty.String())
		return
	}
	fmt.Printf("[%d] %s\n", resp.StatusCode, strings.TrimSpace(string(raw)))
}
