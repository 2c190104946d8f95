package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".checksum"),
	readline.PcItem("PUT"),
	readline.PcItem("MPUT"),
	readline.PcItem("GET"),
	readline.PcItem("MGET"),
	readline.PcItem("DELETE"),
	readline.PcItem("SCAN",
		readline.PcItem("RANGE"),
	),
)

// runInteractive starts the interactive shell
func runInteractive(st store, prompt string) error {
	fmt.Println("slabkv version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".slabkv_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if errors.Is(readErr, readline.ErrInterrupt) {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if errors.Is(readErr, io.EOF) {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		quit, err := execute(ctx, st, line, rl.Stdout())
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %s\n", err)
		}
		if quit {
			fmt.Println("Goodbye!")
			return nil
		}
	}
}
