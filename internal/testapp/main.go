// Command testapp is a fixture program for testing the clitest library. Each
// argument is an action, performed in order:
//
//   - "out:TEXT": prints TEXT and a newline to stdout
//   - "err:TEXT": prints TEXT and a newline to stderr
//   - "raw:TEXT": prints TEXT to stdout without a newline
//   - "hex:HEX": writes the decoded bytes to stdout
//   - "lines:N": prints "line 1" to "line N" to stdout
//   - "env:NAME": prints the value of NAME to stdout
//   - "pwd": prints the working directory to stdout
//   - "file:PATH=CONTENT": writes CONTENT to the file PATH
//   - "cat": copies stdin to stdout
//   - "count": reads stdin to EOF and prints "read N bytes"
//   - "sleep:DURATION": sleeps
//   - "spawn:DURATION": starts a copy of itself that sleeps for DURATION in a
//     new session, sharing stdout and stderr, and does not wait for it
//   - "exit:N": exits with status N
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

func main() {
	for _, arg := range os.Args[1:] {
		if err := do(arg); err != nil {
			fmt.Fprintf(os.Stderr, "testapp: %s: %v\n", arg, err)
			os.Exit(100)
		}
	}
}

func do(arg string) error {
	action, value, _ := strings.Cut(arg, ":")
	switch action {
	case "out":
		_, err := fmt.Println(value)
		return err
	case "err":
		_, err := fmt.Fprintln(os.Stderr, value)
		return err
	case "raw":
		_, err := os.Stdout.WriteString(value)
		return err
	case "hex":
		b, err := hex.DecodeString(value)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	case "lines":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		for i := 1; i <= n; i++ {
			if _, err := fmt.Printf("line %d\n", i); err != nil {
				return err
			}
		}
		return nil
	case "env":
		_, err := fmt.Println(os.Getenv(value))
		return err
	case "pwd":
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		_, err = fmt.Println(wd)
		return err
	case "file":
		path, content, ok := strings.Cut(value, "=")
		if !ok {
			return fmt.Errorf("expected PATH=CONTENT")
		}
		return os.WriteFile(path, []byte(content), 0o644)
	case "cat":
		_, err := io.Copy(os.Stdout, os.Stdin)
		return err
	case "count":
		n, err := io.Copy(io.Discard, os.Stdin)
		if err != nil {
			return err
		}
		_, err = fmt.Printf("read %d bytes\n", n)
		return err
	case "sleep":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		time.Sleep(d)
		return nil
	case "spawn":
		cmd := exec.Command(os.Args[0], "sleep:"+value)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		detach(cmd)
		return cmd.Start()
	case "exit":
		code, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		os.Exit(code)
		return nil
	default:
		return fmt.Errorf("unknown action")
	}
}
