// Command chatpass prints the credential hash a chat client sends in its
// LOGIN line for the given password.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"relaychat/internal/auth"
)

func main() {
	var password string
	if len(os.Args) > 1 {
		password = os.Args[1]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "usage: chatpass <password>  (or pipe it on stdin)")
			os.Exit(2)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	fmt.Println(auth.HashString(password))
}
