// Command idtoken mints an ID token accepted by the server's token provider,
// using the same TOKEN_SECRET, TOKEN_ISSUER and TOKEN_AUDIENCE settings.
//
//	idtoken -sub U1 -email hod@example.edu -ttl 30m
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jrsteele09/portal-session/identity"
	"github.com/jrsteele09/portal-session/identity/tokenprovider"
	"github.com/jrsteele09/portal-session/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	sub := flag.String("sub", "", "subject (uid) to place in the token")
	email := flag.String("email", "", "email claim")
	ttl := flag.Duration("ttl", tokenprovider.DefaultTokenTTL, "token lifetime")
	flag.Parse()

	c, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	issuer, err := tokenprovider.NewIssuer(tokenprovider.Config{
		Secret:   []byte(c.GetTokenSecret()),
		Issuer:   c.GetTokenIssuer(),
		Audience: c.GetTokenAudience(),
	}, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("creating issuer")
	}

	raw, err := issuer.Issue(identity.Identity{ID: *sub, Email: *email})
	if err != nil {
		log.Fatal().Err(err).Msg("issuing token")
	}
	fmt.Println(raw)
}
