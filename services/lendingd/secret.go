package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// jwtSecret resolves the HMAC secret from envVar, prompting on the terminal
// when the variable is unset.
func jwtSecret(envVar string) (string, error) {
	return resolveSecret(envVar, os.LookupEnv, int(os.Stdin.Fd()), os.Stderr)
}

func resolveSecret(envVar string, lookup func(string) (string, bool), fd int, prompt io.Writer) (string, error) {
	envVar = strings.TrimSpace(envVar)
	if envVar != "" {
		if value, ok := lookup(envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", envVar)
			}
			return value, nil
		}
	}
	if !term.IsTerminal(fd) {
		if envVar != "" {
			return "", fmt.Errorf("jwt secret required; set %s or run interactively", envVar)
		}
		return "", errors.New("jwt secret required and no terminal available")
	}
	fmt.Fprint(prompt, "Enter JWT HMAC secret: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read jwt secret: %w", err)
	}
	secret := string(raw)
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret cannot be empty")
	}
	return secret, nil
}
