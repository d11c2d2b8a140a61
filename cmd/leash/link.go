package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/basket/leash/internal/config"
	"github.com/basket/leash/internal/persistence"
)

// runLinkCommand binds a chat to a local user so the TOTP identity gate can
// apply to that chat's confirmations. Writes the relay's database directly;
// run it on the relay host.
func runLinkCommand(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: leash link <chat-id> <user>")
		return 2
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat-id must be an integer: %q\n", args[0])
		return 2
	}
	localUserID := args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "leash.db"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	linkedBy := "cli"
	if u, err := user.Current(); err == nil && u.Username != "" {
		linkedBy = "cli:" + u.Username
	}
	if err := store.LinkIdentity(ctx, chatID, localUserID, linkedBy); err != nil {
		fmt.Fprintf(os.Stderr, "link: %v\n", err)
		return 1
	}

	fmt.Printf("chat %d linked to %s\n", chatID, localUserID)
	return 0
}
