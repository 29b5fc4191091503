package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ABIAgent-Chain/sdk/go/abiagent"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "abiagentd base url")
	agentID := flag.Int64("agent", 0, "agent id to chat with")
	wallet := flag.String("wallet", "", "connected wallet address")
	flag.Parse()

	if *agentID <= 0 {
		fmt.Fprintln(os.Stderr, "-agent is required")
		os.Exit(2)
	}
	client, err := abiagent.NewClient(*baseURL, nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	session, err := client.CreateSession(ctx, *agentID, *wallet)
	if err != nil {
		panic(err)
	}
	defer func() { _ = client.DeleteSession(context.Background(), session.ID) }()
	for _, m := range session.Messages {
		fmt.Printf("%s: %s\n", m.Sender, m.Content)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); scanner.Scan(); fmt.Print("> ") {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msgs, err := client.SendMessage(ctx, session.ID, text)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		for _, m := range msgs[1:] {
			line := m.Content
			if m.Link != "" {
				line += " (" + m.Link + ")"
			}
			fmt.Printf("%s: %s\n", m.Sender, line)
		}
	}
}
