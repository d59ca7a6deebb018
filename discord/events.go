package discord

import (
	"context"
	"log"
	"runtime/debug"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"forumsync"
)

// Listen delivers thread and message events from the gateway to h
// until ctx is canceled.
// Each event is handled in its own goroutine.
// Failures are logged (and sent to c.Alerter), never returned.
func (c *Client) Listen(ctx context.Context, h forumsync.EventHandler) {
	removers := []func(){
		c.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.ThreadCreate) {
			if !ev.NewlyCreated {
				// The bot was added to an existing thread.
				return
			}
			c.dispatch(ctx, "inbound: thread create "+ev.ID, func(ctx context.Context) error {
				return h.OnThreadCreate(ctx, c.threadEvent(ev.Channel))
			})
		}),
		c.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.ThreadUpdate) {
			c.dispatch(ctx, "inbound: thread update "+ev.ID, func(ctx context.Context) error {
				return h.OnThreadUpdate(ctx, c.threadEvent(ev.Channel))
			})
		}),
		c.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageCreate) {
			c.dispatch(ctx, "inbound: message create "+ev.ID, func(ctx context.Context) error {
				mev, ok, err := c.messageEvent(ctx, ev.Message)
				if !ok || err != nil {
					return err
				}
				return h.OnMessageCreate(ctx, mev)
			})
		}),
		c.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageUpdate) {
			if !contentChanged(ev) {
				return
			}
			c.dispatch(ctx, "inbound: message update "+ev.ID, func(ctx context.Context) error {
				mev, ok, err := c.messageEvent(ctx, ev.Message)
				if !ok || err != nil {
					return err
				}
				return h.OnMessageUpdate(ctx, mev)
			})
		}),
		c.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageDelete) {
			c.dispatch(ctx, "inbound: message delete "+ev.ID, func(ctx context.Context) error {
				m := ev.Message
				if ev.BeforeDelete != nil {
					m = ev.BeforeDelete
				}
				mev, ok, err := c.messageEvent(ctx, m)
				if !ok || err != nil {
					return err
				}
				return h.OnMessageDelete(ctx, mev)
			})
		}),
	}

	go func() {
		<-ctx.Done()
		for _, remove := range removers {
			remove()
		}
	}()
}

func (c *Client) dispatch(ctx context.Context, op string, f func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.report(ctx, op, errors.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	if err := f(ctx); err != nil {
		c.report(ctx, op, err)
	}
}

func (c *Client) report(ctx context.Context, op string, err error) {
	log.Printf("%s: %s", op, err)
	if errors.Is(err, forumsync.ErrLinkNotFound) || errors.Is(err, forumsync.ErrCommentNotLinked) {
		// Activity in threads that predate the bot is routine.
		return
	}
	if c.Alerter != nil {
		c.Alerter.Alert(ctx, op, err)
	}
}

// threadEvent converts a gateway thread.
// The update is attributed to this client if it recently edited the thread,
// since Discord does not say who changed a thread.
func (c *Client) threadEvent(ch *discordgo.Channel) forumsync.ThreadEvent {
	ev := forumsync.ThreadEvent{Thread: toThread(ch)}
	if ch.ParentID != "" {
		c.parents.Store(ch.ID, ch.ParentID)
	}
	if c.editedRecently(ch.ID) {
		ev.ActorID = c.botID
	}
	return ev
}

// messageEvent converts a gateway message.
// It reports false for messages outside of threads,
// which are of no interest.
func (c *Client) messageEvent(ctx context.Context, m *discordgo.Message) (forumsync.MessageEvent, bool, error) {
	if m.ChannelID == "" {
		return forumsync.MessageEvent{}, false, nil
	}
	parent, err := c.parentID(ctx, m.ChannelID)
	if errors.Is(err, forumsync.ErrNotFound) {
		return forumsync.MessageEvent{}, false, nil
	}
	if err != nil {
		return forumsync.MessageEvent{}, false, err
	}
	if parent == "" {
		return forumsync.MessageEvent{}, false, nil
	}

	msg := toMessage(m, parent)
	return forumsync.MessageEvent{Message: msg, ActorID: msg.Author.ID}, true, nil
}

// contentChanged filters out message updates that do not change the text,
// such as link-preview embeds being attached.
func contentChanged(ev *discordgo.MessageUpdate) bool {
	if ev.Author == nil {
		return false
	}
	if ev.BeforeUpdate != nil && ev.BeforeUpdate.Content == ev.Content {
		return false
	}
	return true
}
