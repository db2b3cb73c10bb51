// Package command is the slash-command layer of the operator CLI.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command is one slash command. Aliases dispatch to the same handler but
// are not listed separately.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handler     CommandHandler
}

type CommandHandler func(ctx context.Context, args string) (*CommandResult, error)

// CommandResult holds the output of a command.
type CommandResult struct {
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
	}
}

// Register adds cmd, replacing any command or alias of the same name.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aliases, cmd.Name)
	r.commands[cmd.Name] = cmd
	for _, a := range cmd.Aliases {
		if _, taken := r.commands[a]; !taken {
			r.aliases[a] = cmd.Name
		}
	}
}

func (r *Registry) lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Dispatch parses "/name args..." and executes the matching handler.
// Unknown commands produce a hint, not an error.
func (r *Registry) Dispatch(ctx context.Context, input string) (*CommandResult, error) {
	input = strings.TrimPrefix(strings.TrimSpace(input), "/")
	name, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	if name == "" {
		return &CommandResult{Content: "Type /help for available commands."}, nil
	}
	cmd, ok := r.lookup(strings.ToLower(name))
	if !ok {
		return &CommandResult{
			Content: fmt.Sprintf("Unknown command: /%s. Type /help for available commands.", name),
		}, nil
	}
	return cmd.Handler(ctx, args)
}

// List returns the registered commands sorted by name, without aliases.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
