// Command gen-hook-token mints a bearer token for ingest webhook auth and
// prints its digest. Hand the token to the media server configuration and
// keep the digest for log correlation; the service itself only ever logs the
// digest form.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"streamhaven/internal/auth"
)

func main() {
	size := flag.Int("bytes", 32, "token length in random bytes")
	flag.Parse()

	if *size < 16 {
		fmt.Fprintln(os.Stderr, "refusing to mint a token shorter than 16 bytes")
		os.Exit(1)
	}

	buf := make([]byte, *size)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "read entropy: %v\n", err)
		os.Exit(1)
	}
	token := hex.EncodeToString(buf)

	fmt.Printf("token:  %s\n", token)
	fmt.Printf("digest: %s\n", auth.TokenDigest(token))
}
