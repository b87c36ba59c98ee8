package configs

import (
	"flag"
	"os"

	"github.com/studiocdz/collaborative-editor/internal/infrastructure/env"
)

// DetermineConfigPath resolves the config file from --config, COLLAB_CONFIG
// or the usual locations. An empty result means defaults and env only.
func DetermineConfigPath() string {
	var configPath string

	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if configPath == "" {
		configPath = env.GetString("COLLAB_CONFIG", "")
	}

	if configPath == "" {
		candidates := []string{
			"./config.yaml",
			"./config.yml",
			"./tmp/config.yaml",
			"../../config.yaml",
			"/etc/collab/config.yaml",
			"/app/config.yaml",
		}

		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	return configPath
}
