package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eldtechnologies/confab/internal/crypto"
)

func main() {
	sealKey := flag.Bool("seal", false, "Print a MESSAGE_ENCRYPTION_KEY value instead of a keypair")
	outDir := flag.String("out", "", "Write the seed to <dir>/private.key for the confab client")
	flag.Parse()

	if *sealKey {
		key, err := crypto.NewInviteToken()
		if err != nil {
			fail("key generation failed: %v", err)
		}
		fmt.Printf("MESSAGE_ENCRYPTION_KEY=%s\n", key)
		return
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fail("key generation failed: %v", err)
	}
	seed := base64.StdEncoding.EncodeToString(priv.Seed())

	fmt.Printf("Public key (base64): %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("Seed (base64):       %s\n", seed)

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0700); err != nil {
			fail("create %s: %v", *outDir, err)
		}
		path := filepath.Join(*outDir, "private.key")
		if _, err := os.Stat(path); err == nil {
			fail("%s already exists", path)
		}
		if err := os.WriteFile(path, []byte(seed+"\n"), 0600); err != nil {
			fail("write %s: %v", path, err)
		}
		fmt.Printf("Wrote %s\n", path)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
