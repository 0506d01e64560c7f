package broadcast

import (
	"context"
	"sync"

	"tgblaster/internal/transport"
)

// fakeConn is an in-memory transport.Conn with scriptable failures.
type fakeConn struct {
	mu sync.Mutex

	handles map[string]transport.Chat
	ids     map[int64]transport.Chat

	textErrs  []error // popped per SendText call; nil means success
	photoErrs []error

	resolvedIDs []int64 // ResolveID call order
	sentTexts   []string
	sentPhotos  []string
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handles: map[string]transport.Chat{},
		ids:     map[int64]transport.Chat{},
	}
}

func (c *fakeConn) addChat(chat transport.Chat, handle string) {
	if handle != "" {
		c.handles[handle] = chat
	}
	c.ids[chat.ID] = chat
}

func (c *fakeConn) ResolveHandle(_ context.Context, handle string) (transport.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chat, ok := c.handles[handle]; ok {
		return chat, nil
	}
	return transport.Chat{}, transport.NotFound(errUnknownChat)
}

func (c *fakeConn) ResolveID(_ context.Context, id int64) (transport.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvedIDs = append(c.resolvedIDs, id)
	if chat, ok := c.ids[id]; ok {
		return chat, nil
	}
	return transport.Chat{}, transport.NotFound(errUnknownChat)
}

func (c *fakeConn) SendText(_ context.Context, _ transport.Chat, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if len(c.textErrs) > 0 {
		err, c.textErrs = c.textErrs[0], c.textErrs[1:]
	}
	if err != nil {
		return err
	}
	c.sentTexts = append(c.sentTexts, text)
	return nil
}

func (c *fakeConn) SendPhoto(_ context.Context, _ transport.Chat, photoRef, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if len(c.photoErrs) > 0 {
		err, c.photoErrs = c.photoErrs[0], c.photoErrs[1:]
	}
	if err != nil {
		return err
	}
	c.sentPhotos = append(c.sentPhotos, photoRef)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conn  *fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context, string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeCanceller struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeCanceller) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true
}
