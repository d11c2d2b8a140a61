package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basket/leash/internal/config"
	"github.com/basket/leash/internal/totp"
)

// runEnrollCommand asks the running TOTP daemon to set up a secret for a
// user and prints the provisioning URI for the operator's authenticator app.
func runEnrollCommand(ctx context.Context, args []string) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: leash enroll <user> [label]")
		return 2
	}
	localUserID := args[0]
	label := localUserID
	if len(args) == 2 {
		label = args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	client, err := totp.NewClient(cfg.TOTP.SocketPath, time.Duration(cfg.TOTP.TimeoutSeconds)*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "totp client: %v\n", err)
		return 1
	}

	uri, err := client.Setup(ctx, localUserID, label)
	switch {
	case errors.Is(err, totp.ErrAlreadyEnrolled):
		fmt.Fprintf(os.Stderr, "%s is already enrolled; disable first to re-enroll\n", localUserID)
		return 1
	case errors.Is(err, totp.ErrDaemonUnavailable):
		fmt.Fprintf(os.Stderr, "totp daemon not reachable at %s (is `leash totpd` running?)\n", cfg.TOTP.SocketPath)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "enroll: %v\n", err)
		return 1
	}

	fmt.Println(uri)
	fmt.Fprintln(os.Stderr, "Scan the URI with an authenticator app, then verify a code to finish.")
	return 0
}
