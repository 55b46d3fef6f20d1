package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "fennica"
const Version = "0.3.0"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int    `yaml:"httpPort"`
		Domain            string `yaml:"domain"`
		DbPath            string `yaml:"dbPath"`
		FetchTimeoutSec   int    `yaml:"fetchTimeoutSec"`
		OpenRegistrations bool   `yaml:"openRegistrations"`
		NodeName          string `yaml:"nodeName"`
	}
}

// BaseURL returns the canonical https base URL of this node, no trailing slash.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.Domain)
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("FENNICA_HOST")
	envHttpPort := os.Getenv("FENNICA_HTTPPORT")
	envDomain := os.Getenv("FENNICA_DOMAIN")
	envDbPath := os.Getenv("FENNICA_DBPATH")
	envFetchTimeout := os.Getenv("FENNICA_FETCH_TIMEOUT_SEC")
	envOpenReg := os.Getenv("FENNICA_OPEN_REGISTRATIONS")
	envNodeName := os.Getenv("FENNICA_NODENAME")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			log.Warn("Ignoring invalid FENNICA_HTTPPORT", "err", err)
		} else {
			c.Conf.HttpPort = v
		}
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if envFetchTimeout != "" {
		v, err := strconv.Atoi(envFetchTimeout)
		if err != nil {
			log.Warn("Ignoring invalid FENNICA_FETCH_TIMEOUT_SEC", "err", err)
		} else {
			c.Conf.FetchTimeoutSec = v
		}
	}

	if envOpenReg == "true" {
		c.Conf.OpenRegistrations = true
	}

	if envNodeName != "" {
		c.Conf.NodeName = envNodeName
	}

	if c.Conf.FetchTimeoutSec <= 0 {
		c.Conf.FetchTimeoutSec = 10
	}

	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "database.db"
	}

	return c, nil
}
