// Command meshcoordctl is the operator-facing companion to the
// coordinator daemon: it edits border_routers.json so an operator never
// has to hand-write credential JSON or pick a token themselves.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"meshcoord/auth"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "add-br":
		runAddBR(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "meshcoordctl: unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: meshcoordctl add-br -id <br_id> -prefix <network_prefix> [-config <path>] [-location <name>] [-nodes <n1,n2,...>]")
}

func runAddBR(args []string) {
	fs := flag.NewFlagSet("add-br", flag.ExitOnError)
	id := fs.String("id", "", "border router id (required)")
	prefix := fs.String("prefix", "", "Thread network prefix, e.g. fd00:0:0:1::/64 (required)")
	configPath := fs.String("config", "config/border_routers.json", "path to border_routers.json")
	location := fs.String("location", "", "human-readable location label")
	nodes := fs.String("nodes", "", "comma-separated list of node names declared for this BR")
	fs.Parse(args)

	if *id == "" || *prefix == "" {
		fmt.Fprintln(os.Stderr, "meshcoordctl: -id and -prefix are required")
		os.Exit(2)
	}

	token, err := generateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshcoordctl: generate token: %v\n", err)
		os.Exit(1)
	}

	var nodeList []string
	if *nodes != "" {
		for _, n := range strings.Split(*nodes, ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				nodeList = append(nodeList, n)
			}
		}
	}

	store := auth.NewStore(*configPath, time.Minute)
	cfg := auth.BRConfig{
		AuthToken:     token,
		NetworkPrefix: *prefix,
		Location:      *location,
		Nodes:         nodeList,
	}
	if err := store.AddBR(*id, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "meshcoordctl: add-br %s: %v\n", *id, err)
		os.Exit(1)
	}

	fmt.Printf("border router %q added to %s\n", *id, *configPath)
	fmt.Printf("auth_token: %s\n", token)
}

// generateToken returns a 32-byte random value hex-encoded, long enough
// that guessing it is infeasible without needing a password-hashing KDF —
// it is compared, never stored hashed.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
