package main

import (
	"flag"

	"github.com/danmuck/autocore/internal/config"
	"github.com/danmuck/autocore/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "relay", "config kind: relay|client")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing relay config file")
	input := flag.String("input", "relay.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()

	if *validate {
		if *kind != "relay" {
			log.Fatal().Str("kind", *kind).Msg("only relay configs can be validated")
		}
		if _, err := config.LoadRelayConfig(*input); err != nil {
			log.Fatal().Err(err).Msg("relay config invalid")
		}
		log.Info().Str("path", *input).Msg("validated relay config")
		return
	}

	target := *output
	if target == "" {
		target = *kind + ".toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write config template failed")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
