package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/smsrest/gateway/internal/platform/htpasswd"
)

const usage = `Create or update a bcrypt entry in an htpasswd file.

Usage:
    htpasswd_tool <file> <username> [password]

The password is read from stdin when omitted.`

func main() {
	if len(os.Args) < 3 || len(os.Args) > 4 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	path, username := os.Args[1], os.Args[2]

	var password string
	if len(os.Args) == 4 {
		password = os.Args[3]
	} else {
		fmt.Fprintf(os.Stderr, "Password for %s: ", username)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "\nError reading password: %v\n", err)
			os.Exit(1)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "Password must not be empty")
		os.Exit(1)
	}

	if err := htpasswd.Upsert(path, username, password, bcrypt.DefaultCost); err != nil {
		fmt.Fprintf(os.Stderr, "Error updating htpasswd file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("htpasswd file updated: %s\n", path)
	fmt.Printf("Username: %s\n", username)
	fmt.Println("Password: [hidden]")
}
