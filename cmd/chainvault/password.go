package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is swapped in tests.
var readPassword = term.ReadPassword

// readSecret reads a password from stdin when fromStdin is set, and otherwise
// prompts on the terminal without echo.
func readSecret(fromStdin bool, in io.Reader, prompt string) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return "", errors.New("empty password on stdin")
		}
		return password, nil
	}

	fmt.Fprint(os.Stderr, prompt)
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w (use --password-stdin when not on a terminal)", err)
	}
	return string(raw), nil
}
