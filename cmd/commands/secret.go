package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage encrypted machine credentials",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Create the age key used to decrypt machine passwords",
				Action: runSecretKeygen,
			},
			{
				Name:  "encrypt",
				Usage: "Encrypt a value read from the terminal or stdin",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "Store the value as NAME in the per-user .env instead of printing it",
					},
				},
				Action: runSecretEncrypt,
			},
		},
	}
}

func runSecretKeygen(_ context.Context, _ *cli.Command) error {
	k, err := secrets.CreateKeyring(secrets.KeyPath())
	if err != nil {
		return err
	}
	fmt.Printf("Key: %s\nPublic key: %s\n", k.Path(), k.PublicKey())
	return nil
}

func runSecretEncrypt(_ context.Context, cmd *cli.Command) error {
	plaintext, err := readSecret()
	if err != nil {
		return err
	}
	if plaintext == "" {
		return errors.New("empty secret")
	}

	k, err := secrets.CreateKeyring(secrets.KeyPath())
	if err != nil {
		return err
	}
	if name := cmd.String("env"); name != "" {
		envPath := config.DotenvPath()
		if err := secrets.StoreSecret(k, envPath, name, plaintext); err != nil {
			return err
		}
		fmt.Printf("Stored %s in %s; reference it as ${{ .Env.%s }}\n", name, envPath, name)
		return nil
	}

	sealed, err := k.Seal(plaintext)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Secret: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
