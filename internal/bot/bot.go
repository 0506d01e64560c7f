// Package bot is the operator-facing control surface: a Telegram bot that
// owners use to manage senders and targets, run the setup wizard, and
// start, stop and inspect broadcasts.
package bot

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgblaster/internal/broadcast"
	"tgblaster/internal/eventbus"
	"tgblaster/internal/store"
	"tgblaster/internal/transport"
	"tgblaster/internal/wizard"
	"tgblaster/pkg/logx"
)

type Config struct {
	Token        string
	Owners       []int64
	PollTimeout  time.Duration
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 15
	}
	return c
}

type Service struct {
	cfg Config
	b   *tele.Bot

	store    *store.Store
	orch     *broadcast.Orchestrator
	wiz      *wizard.Manager
	dialer   transport.Dialer
	resolver *broadcast.Resolver
	bus      eventbus.Bus
	log      logx.Logger

	ownersMu sync.RWMutex
	owners   map[int64]bool

	wg    sync.WaitGroup
	unsub func()
}

func New(cfg Config, st *store.Store, orch *broadcast.Orchestrator, wiz *wizard.Manager, dialer transport.Dialer, resolver *broadcast.Resolver, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		b:        b,
		store:    st,
		orch:     orch,
		wiz:      wiz,
		dialer:   dialer,
		resolver: resolver,
		bus:      bus,
		log:      log.With(logx.String("comp", "bot")),
		owners:   map[int64]bool{},
	}
	s.UpdateOwners(cfg.Owners)

	b.Use(s.mwRecover, s.mwLog, s.mwOwnerOnly)
	s.routes()
	return s, nil
}

// UpdateOwners swaps the allowed-operator set; called on config reload.
func (s *Service) UpdateOwners(ids []int64) {
	next := make(map[int64]bool, len(ids))
	for _, id := range ids {
		next[id] = true
	}
	s.ownersMu.Lock()
	s.owners = next
	s.ownersMu.Unlock()
}

func (s *Service) isOwner(id int64) bool {
	s.ownersMu.RLock()
	defer s.ownersMu.RUnlock()
	return s.owners[id]
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.b.Start()
	}()

	// Forward terminal delivery failures to the operators so a broadcast
	// that shut itself down does not go unnoticed.
	events, unsub := s.bus.Subscribe(32)
	s.unsub = unsub
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == broadcast.EventDeliveryFailed {
					s.notifyFailure(ev)
				}
			}
		}
	}()
	s.log.Info("bot started", logx.Int64("bot_id", s.b.Me.ID))
}

func (s *Service) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
	}
	done := make(chan struct{})
	go func() {
		s.b.Stop()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("bot stopped")
}

func (s *Service) notifyFailure(ev eventbus.Event) {
	d, ok := ev.Data.(broadcast.DeliveryEvent)
	if !ok {
		return
	}
	text := "⚠️ Broadcast stopped.\nSender: " + itoa(d.SenderID) +
		"\nTarget: " + itoa(d.TargetID) + "\nReason: " + d.Reason

	s.ownersMu.RLock()
	ids := make([]int64, 0, len(s.owners))
	for id := range s.owners {
		ids = append(ids, id)
	}
	s.ownersMu.RUnlock()

	for _, id := range ids {
		if _, err := s.b.Send(&tele.User{ID: id}, text); err != nil {
			s.log.Warn("notify operator", logx.Int64("operator", id), logx.Err(err))
		}
	}
}

func (s *Service) mwRecover(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		return next(c)
	}
}

func (s *Service) mwLog(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		start := time.Now()
		err := next(c)
		var from int64
		if c.Sender() != nil {
			from = c.Sender().ID
		}
		if err != nil {
			s.log.Warn("update failed",
				logx.Int64("from", from), logx.Duration("dur", time.Since(start)), logx.Err(err))
		} else {
			s.log.Debug("update handled",
				logx.Int64("from", from), logx.Duration("dur", time.Since(start)))
		}
		return err
	}
}

func (s *Service) mwOwnerOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Sender() == nil || !s.isOwner(c.Sender().ID) {
			if c.Callback() != nil {
				return c.Respond(&tele.CallbackResponse{Text: "Not allowed."})
			}
			// Silently ignore strangers.
			return nil
		}
		return next(c)
	}
}
