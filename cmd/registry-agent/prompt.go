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

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal

	errEmptyPassword = errors.New("password must not be empty")
)

// promptPassword reads a password without echo when stdin is a terminal and falls back to a
// plain line read for piped input.
func promptPassword(w io.Writer, label string) (string, error) {
	fmt.Fprintf(w, "%s: ", label)
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		fmt.Fprintln(w)
		return nonEmptyPassword(strings.TrimRight(line, "\r\n"))
	}
	password, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return nonEmptyPassword(string(password))
}

func nonEmptyPassword(password string) (string, error) {
	if password == "" {
		return "", errEmptyPassword
	}
	return password, nil
}
