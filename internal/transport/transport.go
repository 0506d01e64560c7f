// Package transport defines the boundary to the messaging platform.
//
// The engine is a client of the platform's resolve/send operations: it dials
// a connection per sender from a stored credential and treats the platform as
// a black box that either succeeds, fails transiently (with an optional
// wait hint), or fails terminally.
package transport

import "context"

type ChatKind string

const (
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
	ChatPrivate    ChatKind = "private"
)

// Chat is a live, addressable destination on one connection.
// Addresses are connection-scoped; never persist Chat across dials.
type Chat struct {
	ID    int64
	Title string
	Kind  ChatKind

	// CanPost reports whether the connection's account may post here.
	// Broadcast-only (showcase) channels report false.
	CanPost bool
}

// Conn is an authenticated connection for a single sender account.
type Conn interface {
	// ResolveHandle resolves a public "@handle" reference.
	ResolveHandle(ctx context.Context, handle string) (Chat, error)

	// ResolveID resolves one concrete platform addressing of a numeric id.
	// Callers are expected to try the id's addressing variants in turn;
	// see AddressingVariants.
	ResolveID(ctx context.Context, id int64) (Chat, error)

	SendText(ctx context.Context, chat Chat, text string) error

	// SendPhoto sends a photo (by stored reference: file id, URL or path)
	// with an optional caption.
	SendPhoto(ctx context.Context, chat Chat, photoRef, caption string) error

	Close() error
}

// Dialer produces a live connection from a sender's stored credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}
