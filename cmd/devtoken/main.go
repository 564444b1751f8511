// Command devtoken prints a bearer token for local testing.
//
//	go run ./cmd/devtoken -id fac-reddington -role facility
//
// The secret defaults to JWT_SECRET (or the dev secret when APP_ENV=dev).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shifta/marketplace-engine/api"
	"github.com/shifta/marketplace-engine/config"
	"github.com/shifta/marketplace-engine/engine"
)

func main() {
	id := flag.String("id", "", "actor id (facility or professional id)")
	role := flag.String("role", "facility", "facility, professional or admin")
	secret := flag.String("secret", "", "signing secret (defaults to config)")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "devtoken: -id is required")
		flag.Usage()
		os.Exit(2)
	}

	key := *secret
	if key == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config")
		}
		key = cfg.JWTSecret
	}

	switch engine.Role(*role) {
	case engine.RoleFacility, engine.RoleProfessional, engine.RoleAdmin:
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	auth := api.NewAuthenticator(key)
	auth.TTL = *ttl
	token, err := auth.IssueToken(engine.Actor{ID: *id, Role: engine.Role(*role)})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}
	fmt.Println(token)
}
