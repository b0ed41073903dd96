package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eldtechnologies/confab/internal/crypto"
)

func main() {
	privKeyB64 := flag.String("key", "", "Base64-encoded Ed25519 private key or seed")
	userID := flag.String("user", "", "User UUID")
	method := flag.String("method", "POST", "HTTP method of the request")
	path := flag.String("path", "", "Request path including query, e.g. /sessions/<id>/messages?limit=50")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	flag.Parse()

	if *privKeyB64 == "" || *userID == "" || *path == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <private-key-base64> -user <user-uuid> -path <path> [-method GET] [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified; GET requests sign an empty body")
		os.Exit(1)
	}

	privKey, err := crypto.ParsePrivateKey(*privKeyB64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var body []byte
	switch {
	case *bodyFile != "":
		body, err = os.ReadFile(*bodyFile)
	case *method != "GET" && *method != "DELETE":
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate nonce: %v\n", err)
		os.Exit(1)
	}
	timestamp := time.Now().UnixMilli()

	signature := crypto.Sign(privKey, *method, *path, body, nonce, timestamp)

	fmt.Printf("X-Confab-User: %s\n", *userID)
	fmt.Printf("X-Confab-Nonce: %s\n", nonce)
	fmt.Printf("X-Confab-Timestamp: %d\n", timestamp)
	fmt.Printf("X-Confab-Signature: %s\n", signature)
}
