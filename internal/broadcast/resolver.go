package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tgblaster/internal/transport"
	"tgblaster/pkg/logx"
)

// Resolver turns a stored target reference into a concrete chat. A
// reference is either a public handle ("@channel") or a numeric chat id;
// numeric ids are tried under every known addressing variant because the
// same chat can be recorded with or without the supergroup offset and with
// either sign.
type Resolver struct {
	log logx.Logger
}

func NewResolver(log logx.Logger) *Resolver {
	return &Resolver{log: log.With(logx.String("comp", "resolver"))}
}

// Resolve tries each addressing strategy in order and returns the first
// chat found. When every strategy fails the joined errors are returned
// wrapped as not-found, so callers treat an unresolvable reference as
// terminal rather than retryable.
func (r *Resolver) Resolve(ctx context.Context, conn transport.Conn, ref string) (transport.Chat, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return transport.Chat{}, transport.NotFound(errors.New("empty target reference"))
	}

	if strings.HasPrefix(ref, "@") {
		return conn.ResolveHandle(ctx, ref)
	}

	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		// Bare handle stored without the @ prefix.
		return conn.ResolveHandle(ctx, "@"+ref)
	}

	var errs []error
	for _, variant := range transport.AddressingVariants(transport.GidKey(id)) {
		chat, err := conn.ResolveID(ctx, variant)
		if err == nil {
			r.log.Debug("target resolved", logx.String("ref", ref), logx.Int64("chat_id", chat.ID))
			return chat, nil
		}
		r.log.Debug("addressing variant failed",
			logx.String("ref", ref), logx.Int64("variant", variant), logx.Err(err))
		errs = append(errs, fmt.Errorf("id %d: %w", variant, err))
	}
	return transport.Chat{}, transport.NotFound(errors.Join(errs...))
}
