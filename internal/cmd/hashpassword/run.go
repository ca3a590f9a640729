// Package hashpassword implements the "liveupdater hash-password" CLI
// subcommand. It prints an Argon2id hash for auth.password_hash.
package hashpassword

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Angulorecto/LiveUpdater/internal/auth"
)

// Run prompts for the uploader password and prints its hash on stdout.
func Run(args []string) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := promptPassword("Uploader password", os.Stdin, os.Stderr)
	if err != nil {
		return err
	}
	h, err := auth.HashPassword(pw, auth.DefaultArgon2Params())
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, h)
	return nil
}

// promptPassword asks twice and returns the confirmed password. On a
// terminal input is not echoed.
func promptPassword(label string, in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		for {
			fmt.Fprintf(out, "%s: ", label)
			p1b, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			if err != nil {
				return "", err
			}
			fmt.Fprint(out, "Confirm password: ")
			p2b, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			if err != nil {
				return "", err
			}
			p1, ok := confirm(string(p1b), string(p2b), out)
			if ok {
				return p1, nil
			}
		}
	}
	return readConfirmed(label, bufio.NewReader(in), out)
}

// readConfirmed is the non-interactive fallback (e.g. piped input).
func readConfirmed(label string, r *bufio.Reader, out io.Writer) (string, error) {
	for {
		fmt.Fprintf(out, "%s: ", label)
		p1, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		fmt.Fprint(out, "Confirm password: ")
		p2, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if p, ok := confirm(p1, p2, out); ok {
			return p, nil
		}
	}
}

func confirm(a, b string, out io.Writer) (string, bool) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" {
		fmt.Fprintln(out, "password cannot be empty")
		return "", false
	}
	if a != b {
		fmt.Fprintln(out, "passwords do not match")
		return "", false
	}
	return a, true
}
