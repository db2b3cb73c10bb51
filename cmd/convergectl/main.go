package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nidhogg/converge/internal/client"
	"github.com/nidhogg/converge/internal/command"
)

func main() {
	server := flag.String("server", envOr("CONVERGE_SERVER", "http://localhost:8080"), "converge server URL")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	asJSON := flag.Bool("json", false, "print command data as JSON")
	flag.Parse()

	api := client.New(*server, *timeout)
	reg := command.NewRegistry()
	command.RegisterBuiltins(reg, api)

	// One-shot mode: convergectl /task <id>
	if flag.NArg() > 0 {
		if !run(reg, strings.Join(flag.Args(), " "), *asJSON) {
			os.Exit(1)
		}
		return
	}

	fmt.Println("converge operator console")
	fmt.Printf("Server: %s\n", *server)
	if err := api.Health(context.Background()); err != nil {
		printError("Server unreachable: %v", err)
	}
	fmt.Println("Type /help for commands, 'exit' or 'quit' to leave.")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if !strings.HasPrefix(input, "/") {
			printError("Commands start with '/'. Type /help.")
			continue
		}
		run(reg, input, *asJSON)
	}
}

func run(reg *command.Registry, input string, asJSON bool) bool {
	res, err := reg.Dispatch(context.Background(), input)
	if err != nil {
		printError("%v", err)
		return false
	}
	if asJSON && res.Data != nil {
		out, _ := json.MarshalIndent(res.Data, "", "  ")
		fmt.Println(string(out))
		return true
	}
	fmt.Print(res.Content)
	if !strings.HasSuffix(res.Content, "\n") {
		fmt.Println()
	}
	return true
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
