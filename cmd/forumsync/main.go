package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobg/mid"
	"github.com/bobg/subcmd/v2"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"forumsync"
	"forumsync/discord"
	"forumsync/ghissues"
	"forumsync/slackalert"
)

func main() {
	var c maincmd
	err := subcmd.Run(context.Background(), c, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
}

type maincmd struct{}

func (maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"serve", doServe, "run the forumsync server", subcmd.Params(
			"-config", subcmd.String, "config.yml", "path to config file",
		),
		"check", doCheck, "validate a config file and print its channel bindings", subcmd.Params(
			"-config", subcmd.String, "config.yml", "path to config file",
		),
		"links", doLinks, "print the stored link state as JSON", subcmd.Params(
			"-config", subcmd.String, "config.yml", "path to config file",
		),
		"admin", doAdmin, "send an admin command (sync or shutdown) to a forumsync server", subcmd.Params(
			"-url", subcmd.String, "", "base URL of forumsync server",
			"-key", subcmd.String, "", "admin key",
		),
	)
}

func doServe(ctx context.Context, configPath string, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}

	if c.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		})
	}
	forumsync.Debug = c.Debug

	bindings, err := forumsync.NewRegistry(c.Channels)
	if err != nil {
		return errors.Wrap(err, "reading channel bindings")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, closeState, err := openState(ctx, c.State)
	if err != nil {
		return err
	}
	defer closeState()

	links := forumsync.NewLinkStore(backend)
	if err := links.Load(ctx); err != nil {
		return errors.Wrap(err, "loading link state")
	}

	privateKey, err := os.ReadFile(c.Github.PrivateKeyFile)
	if err != nil {
		return errors.Wrap(err, "reading GitHub private key")
	}
	tracker, err := ghissues.New(ghissues.Config{
		AppID:          c.Github.AppID,
		InstallationID: c.Github.InstallationID,
		PrivateKey:     privateKey,
		APIURL:         c.Github.APIURL,
		UploadURL:      c.Github.UploadURL,
		Rate:           c.Github.Rate,
		Burst:          c.Github.Burst,
	})
	if err != nil {
		return errors.Wrap(err, "creating GitHub client")
	}

	chat, err := discord.New(c.DiscordToken)
	if err != nil {
		return err
	}

	s := &forumsync.Service{
		Tracker:     tracker,
		Chat:        chat,
		Links:       links,
		Bindings:    bindings,
		Users:       c.Users,
		Concurrency: c.Concurrency,
	}
	if c.SlackWebhookURL != "" {
		a := slackalert.New(c.SlackWebhookURL)
		s.Alerter = a
		chat.Alerter = a
	}

	if err := connect(ctx, chat, s); err != nil {
		return err
	}
	defer chat.Close()

	if w, ok := backend.(forumsync.StateWatcher); ok {
		go func() {
			err := w.Watch(ctx, func() {
				log.Print("State changed on disk, reloading")
				if err := links.Reload(ctx); err != nil {
					log.Printf("Error reloading link state: %s", err)
				}
			})
			if err != nil {
				log.Printf("Error watching link state: %s", err)
			}
		}()
	}

	d := forumsync.NewDriver(s)
	d.Interval = c.PollInterval
	d.FlushInterval = c.FlushInterval

	if c.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/status", mid.Err(s.OnStatus))
		mux.Handle("/admin", mid.JSON(d.OnAdmin(c.AdminKey, cancel)))

		httpServer := &http.Server{
			Addr:    c.Listen,
			Handler: mux,
		}
		go func() {
			log.Printf("Listening on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Error serving HTTP: %s", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error shutting down HTTP server: %s", err)
			}
		}()
	}

	log.Printf("Syncing %d channels across %d repositories", bindings.Len(), len(bindings.Repos()))

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Print("Shutting down")
		return nil
	}
	return err
}

// gateway is the event-delivering side of a chat client.
type gateway interface {
	Listen(context.Context, forumsync.EventHandler)
	Open(context.Context) error
}

// connect registers h before opening the connection,
// so events arriving right after the handshake are not lost.
func connect(ctx context.Context, g gateway, h forumsync.EventHandler) error {
	g.Listen(ctx, h)
	return errors.Wrap(g.Open(ctx), "connecting to Discord")
}

func doCheck(_ context.Context, configPath string, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	bindings, err := forumsync.NewRegistry(c.Channels)
	if err != nil {
		return errors.Wrap(err, "reading channel bindings")
	}
	for _, b := range bindings.Bindings() {
		if b.Label == "" {
			fmt.Printf("%s\t%s\n", b.ChannelID, b.Repo)
		} else {
			fmt.Printf("%s\t%s\tlabel %s\n", b.ChannelID, b.Repo, b.Label)
		}
	}
	return c.validate()
}

func doLinks(ctx context.Context, configPath string, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	backend, closeState, err := openState(ctx, c.State)
	if err != nil {
		return err
	}
	defer closeState()

	links := forumsync.NewLinkStore(backend)
	if err := links.Load(ctx); err != nil {
		return errors.Wrap(err, "loading link state")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(links.Snapshot())
}

func doAdmin(ctx context.Context, url, key string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: admin -url URL -key KEY sync|shutdown")
	}
	cmd := forumsync.AdminCmd{
		Key:  key,
		Name: args[0],
	}
	enc, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshaling command")
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url+"/admin", bytes.NewReader(enc))
	if err != nil {
		return errors.Wrap(err, "preparing request")
	}
	req.Header.Set("Content-Type", "application/json")
	var cl http.Client
	resp, err := cl.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending command to forumsync service")
	}
	defer resp.Body.Close()
	log.Printf("Response: %s", resp.Status)
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		io.Copy(os.Stdout, resp.Body)
	}
	return nil
}
