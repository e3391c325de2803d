package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"pubchat-client/internal/infra/crypto"
)

func main() {
	var seed string
	flag.StringVar(&seed, "seed", "", "Existing hex seed: print its public key instead of generating a new one")
	flag.Parse()

	var (
		identity *crypto.Identity
		err      error
	)
	if seed != "" {
		identity, err = crypto.NewIdentity(seed)
	} else {
		identity, err = crypto.GenerateIdentity()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("keygen: не удалось получить ключ")
	}

	fmt.Fprintf(os.Stdout, "IDENTITY_PRIVATE_KEY=%s\n", identity.Seed())
	fmt.Fprintf(os.Stdout, "# public key: %s\n", identity.PublicKey())
}
