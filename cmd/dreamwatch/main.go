package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/mycelian/dreamwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Error().Err(err).Msg("dreamwatch failed")
		os.Exit(1)
	}
}
