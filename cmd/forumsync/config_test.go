package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forumsync"
	"forumsync/jsonfile"
	"forumsync/sqlite"
)

const testConfig = `
discord_token: tok
github:
  app_id: 12
  installation_id: 34
  private_key_file: key.pem
state: sqlite3:forumsync.db
poll_interval: 30s
users:
  "1001": ann
channels:
  "900":
    repository: {owner: o, repo: r}
  "901":
    repository: {owner: o, repo: r}
    label: bug
`

func TestParseConfig(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")

	c, err := parseConfig(strings.NewReader(testConfig))
	if err != nil {
		t.Fatal(err)
	}

	want := defaultConfig
	want.DiscordToken = "tok"
	want.Github.AppID = 12
	want.Github.InstallationID = 34
	want.Github.PrivateKeyFile = "key.pem"
	want.State = "sqlite3:forumsync.db"
	want.PollInterval = 30 * time.Second
	want.Users = forumsync.Users{"1001": "ann"}
	want.Channels = map[string]forumsync.ChannelConfig{
		"900": {Repository: forumsync.Repo{Owner: "o", Name: "r"}},
		"901": {Repository: forumsync.Repo{Owner: "o", Name: "r"}, Label: "bug"},
	}
	if diff := cmp.Diff(&want, c); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if err := c.validate(); err != nil {
		t.Errorf("validate: %s", err)
	}
}

func TestParseConfigEnvToken(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "from-env")

	c, err := parseConfig(strings.NewReader(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if c.DiscordToken != "from-env" {
		t.Errorf("got token %q, want from-env", c.DiscordToken)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")

	c, err := parseConfig(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	err = c.validate()
	if err == nil {
		t.Fatal("got no error for an empty config")
	}
	for _, key := range []string{"discord_token", "github.app_id", "github.installation_id", "github.private_key_file", "channels"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestParseConfigDuplicateChannel(t *testing.T) {
	const dup = `
channels:
  "900":
    repository: {owner: o, repo: r}
  "900":
    repository: {owner: o, repo: other}
`
	if _, err := parseConfig(strings.NewReader(dup)); err == nil {
		t.Error("got no error for a duplicate channel id")
	}
}

func TestOpenState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	backend, closer, err := openState(ctx, "json:"+filepath.Join(dir, "data.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.(*jsonfile.File); !ok {
		t.Errorf("got %T for json:, want *jsonfile.File", backend)
	}
	if _, ok := backend.(forumsync.StateWatcher); !ok {
		t.Error("json backend is not a StateWatcher")
	}
	closer()

	backend, closer, err = openState(ctx, "sqlite3:"+filepath.Join(dir, "forumsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.(*sqlite.Store); !ok {
		t.Errorf("got %T for sqlite3:, want *sqlite.Store", backend)
	}
	closer()

	for _, bad := range []string{"data.json", "json:", "redis:localhost"} {
		if _, _, err := openState(ctx, bad); err == nil {
			t.Errorf("got no error for state %q", bad)
		}
	}
}
