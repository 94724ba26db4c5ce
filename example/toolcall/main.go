// Command toolcall connects to a remote tool server, lists the tools it
// exposes, and optionally invokes one of them.
//
// Connect over SSE:
//
//	toolcall -sse http://localhost:8080/sse -tool echo -args '{"text":"hi"}'
//
// Or over a raw TCP stream:
//
//	toolcall -addr localhost:9090 -tool echo -args '{"text":"hi"}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	mcpclient "github.com/toolwire/go-mcpclient"
)

func main() {
	sseURL := flag.String("sse", "", "SSE connect URL of the server")
	addr := flag.String("addr", "", "TCP address of the server")
	toolName := flag.String("tool", "", "Name of the tool to call (optional)")
	toolArgs := flag.String("args", "", "JSON object with the tool arguments")
	flag.Parse()

	var transport mcpclient.Transport
	switch {
	case *sseURL != "":
		transport = mcpclient.NewSSETransport(*sseURL, nil)
	case *addr != "":
		transport = mcpclient.Dial("tcp", *addr)
	default:
		fmt.Println("either -sse or -addr is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cli := mcpclient.NewClient(mcpclient.Info{
		Name:    "toolcall",
		Version: "1.0",
	}, transport)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := cli.Connect(connectCtx); err != nil {
		fmt.Printf("failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cli.Close(closeCtx); err != nil {
			fmt.Printf("failed to close client: %v\n", err)
		}
	}()

	info := cli.ServerInfo()
	fmt.Printf("Connected to %s %s\n", info.Name, info.Version)

	tools, err := cli.ListTools(ctx)
	if err != nil {
		fmt.Printf("failed to list tools: %v\n", err)
		return
	}
	fmt.Println("Available tools:")
	for _, tool := range tools {
		fmt.Printf("- %s: %s\n", tool.Name, tool.Description)
	}

	if *toolName == "" {
		return
	}

	var args map[string]any
	if *toolArgs != "" {
		if err := json.Unmarshal([]byte(*toolArgs), &args); err != nil {
			fmt.Printf("invalid -args: %v\n", err)
			return
		}
	}

	result, err := cli.CallTool(ctx, *toolName, args)
	if err != nil {
		fmt.Printf("failed to call tool %s: %v\n", *toolName, err)
		return
	}
	for _, content := range result.Content {
		switch content.Type {
		case mcpclient.ContentTypeText:
			fmt.Println(content.Text)
		default:
			fmt.Printf("[%s content, %d bytes]\n", content.Type, len(content.Data))
		}
	}
	if result.IsError {
		fmt.Println("tool reported an error")
	}
}
