package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/wesleyyan-sb/lockbox"
)

func readPassword(prompt string) string {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return ""
	}
	return string(pw)
}

func main() {
	dir := flag.String("dir", ".", "Directory holding the vault file")
	user := flag.String("user", "", "Vault user name")
	create := flag.Bool("create", false, "Create a new vault instead of opening one")
	flag.Parse()

	if *user == "" {
		fmt.Println("A user name is required.")
		os.Exit(1)
	}

	password := readPassword("Enter password: ")
	if password == "" {
		fmt.Println("Password is required.")
		os.Exit(1)
	}

	v, err := lockbox.New()
	if err != nil {
		fmt.Printf("Error initializing session: %v\n", err)
		os.Exit(1)
	}
	defer v.Release()

	if *create {
		err = v.Create(*dir, *user, password)
	} else {
		err = v.Open(*dir, *user, password)
	}
	if err != nil {
		fmt.Printf("Error opening vault: %v\n", err)
		os.Exit(1)
	}
	defer v.Close()

	fmt.Println("Lockbox Shell")
	fmt.Println("Commands: put <key> <val>, get <key>, del <key>, keys, mtime <key>, passwd, exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		cmd := strings.ToLower(parts[0])
		switch cmd {
		case "put":
			if len(parts) < 3 {
				fmt.Println("Usage: put <key> <value>")
				continue
			}
			key := parts[1]
			val := strings.Join(parts[2:], " ")
			now := uint64(time.Now().Unix())
			err := v.Add(0, key, []byte(val), now)
			if err == lockbox.ErrKeyExist {
				err = v.Update(0, key, []byte(val), now)
			}
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println("OK")
			}
		case "get":
			if len(parts) != 2 {
				fmt.Println("Usage: get <key>")
				continue
			}
			val, _, err := v.Get(parts[1])
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Printf("%s\n", val)
			}
		case "del":
			if len(parts) != 2 {
				fmt.Println("Usage: del <key>")
				continue
			}
			if err := v.Delete(parts[1]); err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println("OK")
			}
		case "keys":
			keys, err := v.Keys()
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			for _, k := range keys {
				fmt.Println(k)
			}
		case "mtime":
			if len(parts) != 2 {
				fmt.Println("Usage: mtime <key>")
				continue
			}
			mt, err := v.LastModified(parts[1])
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println(time.Unix(int64(mt), 0).Format(time.RFC3339))
			}
		case "passwd":
			oldPw := readPassword("Current password: ")
			newPw := readPassword("New password: ")
			if err := v.ChangePassword(oldPw, newPw); err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println("Password changed")
			}
		case "exit", "quit":
			return
		default:
			fmt.Println("Unknown command")
		}
	}
}
