package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apiclient "github.com/ericreilly999/inventory-release/pkg/api/client"
	"github.com/ericreilly999/inventory-release/pkg/config"
)

const defaultAPIBaseURL = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "token":
		err = commandToken(args)
	case "environments", "envs":
		err = commandEnvironments(args)
	case "release":
		err = commandRelease(args)
	case "rollback":
		err = commandRollback(args)
	case "seed":
		err = commandSeed(args)
	case "cancel":
		err = commandCancel(args)
	case "history":
		err = commandHistory(args)
	case "show":
		err = commandShow(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if path := strings.TrimSpace(config.GetString("RELEASECTL_CONFIG", "")); path != "" {
		return path, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "releasectl", "config.json"), nil
}

// authedClient builds an API client from the saved login.
func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("please login first using 'releasectl login'")
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(token))
}

func printUsage() {
	fmt.Printf("releasectl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	releasectl login [--api http://localhost:4000] [--token <jwt>]
	releasectl token --operator <name> --env staging,prod [--ttl 12h] [--secret <jwt-secret>] [--save]
	releasectl environments
	releasectl release --env <env> --version <x.y.z> [--wait]
	releasectl rollback --env <env> --version <x.y.z> [--yes] [--wait]
	releasectl seed --release <release-id>
	releasectl cancel --release <release-id>
	releasectl history --env <env> [--limit N]
	releasectl show (--release <release-id> | --env <env> --version <x.y.z>)
	releasectl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
