package main

import (
	"flag"
	"log"

	"github.com/danmuck/viewhost/internal/config"
)

var defaultPaths = map[string]string{
	"host":    "cmd/hostctl/config.toml",
	"guest":   "cmd/viewctl/config.toml",
	"servers": "cmd/hostctl/servers.toml",
}

func main() {
	kind := flag.String("kind", "host", "config kind: host|guest|servers")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	defaultPath, ok := defaultPaths[*kind]
	if !ok {
		log.Fatalf("unknown kind: %s", *kind)
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		if err := validateFile(*kind, path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func validateFile(kind, path string) error {
	var err error
	switch kind {
	case "host":
		_, err = config.LoadHostFile(path)
	case "guest":
		_, err = config.LoadGuestFile(path)
	case "servers":
		_, err = config.LoadServers(path)
	}
	return err
}
