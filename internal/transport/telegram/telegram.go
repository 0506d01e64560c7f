// Package telegram implements transport over the Telegram Bot API using telebot.
//
// Each sender account is a bot token; Dial validates the token and returns a
// connection bound to it. Operator-facing UI lives elsewhere (internal/bot)
// and owns its own long-polling bot instance.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgblaster/internal/transport"
	"tgblaster/pkg/logx"
)

type Dialer struct {
	log logx.Logger
}

func NewDialer(log logx.Logger) *Dialer {
	return &Dialer{log: log}
}

func (d *Dialer) Dial(ctx context.Context, credential string) (transport.Conn, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return nil, errors.New("empty credential")
	}
	// NewBot performs a getMe call, which doubles as credential validation.
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, classify(err)
	}
	return &conn{bot: b, log: d.log}, nil
}

type conn struct {
	bot *tele.Bot
	log logx.Logger
}

func (c *conn) ResolveHandle(ctx context.Context, handle string) (transport.Chat, error) {
	if err := ctx.Err(); err != nil {
		return transport.Chat{}, err
	}
	ch, err := c.bot.ChatByUsername(handle)
	if err != nil {
		return transport.Chat{}, classify(err)
	}
	return fromTele(ch), nil
}

func (c *conn) ResolveID(ctx context.Context, id int64) (transport.Chat, error) {
	if err := ctx.Err(); err != nil {
		return transport.Chat{}, err
	}
	ch, err := c.bot.ChatByID(id)
	if err != nil {
		return transport.Chat{}, classify(err)
	}
	return fromTele(ch), nil
}

func (c *conn) SendText(ctx context.Context, chat transport.Chat, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Send(&tele.Chat{ID: chat.ID}, text)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *conn) SendPhoto(ctx context.Context, chat transport.Chat, photoRef, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := &tele.Photo{File: photoFile(photoRef), Caption: caption}
	_, err := c.bot.Send(&tele.Chat{ID: chat.ID}, p)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *conn) Close() error {
	// Bot API connections are stateless HTTP; nothing to tear down.
	return nil
}

// photoFile maps a stored photo reference to a telebot file source.
// References are either Telegram file ids, URLs, or local paths.
func photoFile(ref string) tele.File {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return tele.FromURL(ref)
	case strings.ContainsAny(ref, "/\\"):
		return tele.FromDisk(ref)
	default:
		return tele.File{FileID: ref}
	}
}

func fromTele(ch *tele.Chat) transport.Chat {
	out := transport.Chat{ID: ch.ID, Title: ch.Title}
	switch ch.Type {
	case tele.ChatGroup:
		out.Kind = transport.ChatGroup
		out.CanPost = true
	case tele.ChatSuperGroup:
		out.Kind = transport.ChatSupergroup
		out.CanPost = true
	case tele.ChatChannel:
		// Showcase channel: the account receives but does not post.
		out.Kind = transport.ChatChannel
		out.CanPost = false
	default:
		out.Kind = transport.ChatPrivate
		out.CanPost = false
	}
	if out.Title == "" {
		out.Title = fmt.Sprintf("chat %d", ch.ID)
	}
	return out
}

// classify maps telebot errors onto the transport taxonomy. All retry
// decisions downstream key off the returned kind, so every platform-specific
// error shape is absorbed here and nowhere else.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return transport.RateLimited(err, time.Duration(fe.RetryAfter)*time.Second)
	}

	if errors.Is(err, tele.ErrChatNotFound) {
		return transport.NotFound(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "retry after"), strings.Contains(msg, "too many requests"):
		return transport.RateLimited(err, 0)
	case strings.Contains(msg, "have no rights"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "chat_write_forbidden"),
		strings.Contains(msg, "bot was kicked"),
		strings.Contains(msg, "forbidden"):
		return transport.Forbidden(err)
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "peer_id_invalid"),
		strings.Contains(msg, "group chat was upgraded"):
		return transport.NotFound(err)
	default:
		return transport.Unknown(err)
	}
}
