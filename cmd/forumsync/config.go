package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"forumsync"
	"forumsync/jsonfile"
	"forumsync/pg"
	"forumsync/sqlite"
)

type config struct {
	DiscordToken string       `yaml:"discord_token"`
	Github       githubConfig `yaml:"github"`

	// State selects the link-state backend:
	// "json:PATH", "sqlite3:PATH", or "postgresql:DSN".
	State string

	PollInterval  time.Duration `yaml:"poll_interval"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Concurrency   int

	Listen          string
	AdminKey        string `yaml:"admin_key"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	LogFile         string `yaml:"log_file"`
	Debug           bool

	Users    forumsync.Users
	Channels map[string]forumsync.ChannelConfig
}

type githubConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyFile string `yaml:"private_key_file"`
	APIURL         string `yaml:"api_url"`    // "" for github.com, or "https://HOST/api/v3/"
	UploadURL      string `yaml:"upload_url"` // "" for github.com, or "https://HOST/api/uploads/"
	Rate           float64
	Burst          int
}

var defaultConfig = config{
	State:         "json:data.json",
	PollInterval:  forumsync.DefaultInterval,
	FlushInterval: forumsync.DefaultFlushInterval,
	Concurrency:   forumsync.DefaultConcurrency,
	Github: githubConfig{
		Rate:  5,
		Burst: 10,
	},
}

func loadConfig(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config file")
	}
	defer f.Close()
	return parseConfig(f)
}

func parseConfig(r io.Reader) (*config, error) {
	c := defaultConfig
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if tok := os.Getenv("DISCORD_TOKEN"); tok != "" {
		c.DiscordToken = tok
	}
	return &c, nil
}

// validate reports what serve cannot run without.
func (c *config) validate() error {
	var missing []string
	if c.DiscordToken == "" {
		missing = append(missing, "discord_token")
	}
	if c.Github.AppID == 0 {
		missing = append(missing, "github.app_id")
	}
	if c.Github.InstallationID == 0 {
		missing = append(missing, "github.installation_id")
	}
	if c.Github.PrivateKeyFile == "" {
		missing = append(missing, "github.private_key_file")
	}
	if len(c.Channels) == 0 {
		missing = append(missing, "channels")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// openState opens the backend named by a state config string.
// The returned function closes it.
func openState(ctx context.Context, state string) (forumsync.StateBackend, func() error, error) {
	parts := strings.SplitN(state, ":", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, nil, fmt.Errorf("bad state config string %s", state)
	}

	switch parts[0] {
	case "json":
		f, err := jsonfile.New(parts[1])
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening state file")
		}
		return f, func() error { return nil }, nil

	case "sqlite3":
		s, err := sqlite.Open(ctx, parts[1])
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening database")
		}
		return s, s.Close, nil

	case "postgresql":
		s, err := pg.Open(ctx, parts[1])
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening database")
		}
		return s, s.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown state type %s", parts[0])
}
