package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"tgblaster/internal/broadcast"
	"tgblaster/internal/store"
	"tgblaster/internal/transport"
	"tgblaster/internal/wizard"
	"tgblaster/pkg/logx"
)

const helpText = `Commands:
/addsender <id> <token> [label] — register a sending account
/delsender <id> — remove a sender and all its broadcasts
/addtarget <sender-id> <@handle or chat-id> — add a target
/deltarget <sender-id> <target-id> — remove a target
/cancel — abort the current setup dialog`

func (s *Service) routes() {
	s.b.Handle("/start", s.handleHome)
	s.b.Handle("/help", s.handleHome)
	s.b.Handle("/addsender", s.handleAddSender)
	s.b.Handle("/delsender", s.handleDelSender)
	s.b.Handle("/addtarget", s.handleAddTarget)
	s.b.Handle("/deltarget", s.handleDelTarget)
	s.b.Handle("/cancel", s.handleCancel)
	s.b.Handle(tele.OnText, s.handleText)
	s.b.Handle(tele.OnCallback, s.handleCallback)
}

func (s *Service) handleHome(c tele.Context) error {
	text, markup, err := s.homeView(context.Background())
	if err != nil {
		return c.Send("Failed to load senders: " + err.Error())
	}
	return c.Send(text, markup)
}

func (s *Service) handleAddSender(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return c.Send("Usage: /addsender <id> <token> [label]")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Send("Sender id must be a number.")
	}
	label := ""
	if len(args) > 2 {
		label = strings.Join(args[2:], " ")
	}
	sd := store.Sender{ID: id, Credential: args[1], Label: label}
	if err := s.store.UpsertSender(context.Background(), sd); err != nil {
		return c.Send("Failed to save sender: " + err.Error())
	}
	return c.Send("Sender " + itoa(id) + " saved.")
}

func (s *Service) handleDelSender(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /delsender <id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Send("Sender id must be a number.")
	}
	// Jobs first so nothing fires against rows being deleted.
	for _, k := range broadcast.Kinds {
		s.orch.CancelSenderJobs(k, id)
	}
	if err := s.store.DeleteSender(context.Background(), id); err != nil {
		return c.Send("Failed to delete sender: " + err.Error())
	}
	return c.Send("Sender " + itoa(id) + " and all its broadcasts removed.")
}

func (s *Service) handleAddTarget(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Send("Usage: /addtarget <sender-id> <@handle or chat-id>")
	}
	senderID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Send("Sender id must be a number.")
	}
	ref := args[1]

	ctx := context.Background()
	targetID, title, err := s.resolveTargetID(ctx, senderID, ref)
	if err != nil {
		return c.Send("Cannot resolve target: " + err.Error())
	}
	t := store.Target{SenderID: senderID, TargetID: targetID, Ref: ref}
	if err := s.store.UpsertTarget(ctx, t); err != nil {
		return c.Send("Failed to save target: " + err.Error())
	}
	msg := "Target " + itoa(targetID) + " saved."
	if title != "" {
		msg = "Target \"" + title + "\" (" + itoa(targetID) + ") saved."
	}
	return c.Send(msg)
}

// resolveTargetID maps a reference to the stable target id. Numeric
// references need no network round-trip; handles are resolved through the
// sender's own connection so the id matches what delivery will see.
func (s *Service) resolveTargetID(ctx context.Context, senderID int64, ref string) (int64, string, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return transport.GidKey(id), "", nil
	}
	sender, err := s.store.Sender(ctx, senderID)
	if err != nil {
		return 0, "", fmt.Errorf("load sender: %w", err)
	}
	conn, err := s.dialer.Dial(ctx, sender.Credential)
	if err != nil {
		return 0, "", fmt.Errorf("connect sender: %w", err)
	}
	defer conn.Close()
	chat, err := s.resolver.Resolve(ctx, conn, ref)
	if err != nil {
		return 0, "", err
	}
	return transport.GidKey(chat.ID), chat.Title, nil
}

func (s *Service) handleDelTarget(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Send("Usage: /deltarget <sender-id> <target-id>")
	}
	senderID, err1 := strconv.ParseInt(args[0], 10, 64)
	targetID, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return c.Send("Both ids must be numbers.")
	}
	for _, k := range broadcast.Kinds {
		s.orch.CancelJob(k, senderID, targetID)
	}
	if err := s.store.DeleteTarget(context.Background(), senderID, targetID); err != nil {
		return c.Send("Failed to delete target: " + err.Error())
	}
	return c.Send("Target " + itoa(targetID) + " removed.")
}

func (s *Service) handleCancel(c tele.Context) error {
	if s.wiz.Cancel(c.Sender().ID) {
		return c.Send("Setup cancelled.")
	}
	return c.Send("Nothing to cancel.")
}

// handleText feeds non-command messages into the operator's wizard session,
// if one is in progress.
func (s *Service) handleText(c tele.Context) error {
	prompt, done, err := s.wiz.Input(c.Sender().ID, c.Text())
	if errors.Is(err, wizard.ErrNoSession) {
		return nil
	}
	if err != nil {
		return c.Send("Setup error: " + err.Error())
	}
	if done == nil {
		return c.Send(prompt)
	}

	ctx := context.Background()
	var out broadcast.Outcome
	if done.Batch {
		out = s.orch.ScheduleBatch(ctx, done.SenderID, done.Intent)
	} else {
		out = s.orch.ScheduleOne(ctx, done.SenderID, done.TargetID, done.Intent)
	}
	return s.sendOutcome(c, out)
}

func (s *Service) handleCallback(c tele.Context) error {
	data := strings.TrimPrefix(c.Callback().Data, "\f")
	cmd, err := parseCommand(data)
	if err != nil {
		s.log.Debug("unknown callback", logx.String("data", data))
		return c.Respond(&tele.CallbackResponse{Text: "Unknown action."})
	}
	if err := c.Respond(&tele.CallbackResponse{}); err != nil {
		s.log.Debug("callback ack failed", logx.Err(err))
	}

	ctx := context.Background()
	op := c.Sender().ID
	switch cmd.Action {
	case ActionHome:
		text, markup, err := s.homeView(ctx)
		if err != nil {
			return c.Send("Failed to load senders: " + err.Error())
		}
		return s.render(c, text, markup)

	case ActionMenu:
		text, markup := s.senderView(ctx, cmd.SenderID)
		return s.render(c, text, markup)

	case ActionTargets:
		text, markup := s.targetsView(ctx, cmd.SenderID)
		return s.render(c, text, markup)

	case ActionSetup:
		return c.Send(s.wiz.Start(op, cmd.SenderID, cmd.TargetID, false, wizard.ModeRange))

	case ActionSetupAllFixed:
		return c.Send(s.wiz.Start(op, cmd.SenderID, 0, true, wizard.ModeFixed))

	case ActionSetupAllRange:
		return c.Send(s.wiz.Start(op, cmd.SenderID, 0, true, wizard.ModeRange))

	case ActionStop:
		return s.sendOutcome(c, s.orch.StopOne(ctx, cmd.SenderID, cmd.TargetID))

	case ActionStopAll:
		return s.sendOutcome(c, s.orch.StopAll(ctx, cmd.SenderID))

	case ActionResume:
		return s.sendOutcome(c, s.orch.Resume(ctx, cmd.SenderID, cmd.TargetID))

	case ActionStatus:
		text, markup := s.statusView(ctx, cmd.SenderID)
		return s.render(c, text, markup)

	case ActionHistory:
		text, markup := s.historyView(ctx, cmd.SenderID)
		return s.render(c, text, markup)
	}
	return nil
}

// render edits the message the callback came from, falling back to a fresh
// message when the original can no longer be edited.
func (s *Service) render(c tele.Context, text string, markup *tele.ReplyMarkup) error {
	if err := c.Edit(text, markup); err == nil {
		return nil
	}
	return c.Send(text, markup)
}

func (s *Service) sendOutcome(c tele.Context, out broadcast.Outcome) error {
	switch out.Status {
	case broadcast.StatusOK:
		return c.Send("✅ " + out.Message)
	case broadcast.StatusNoop:
		return c.Send("ℹ️ " + out.Message)
	default:
		return c.Send("❌ " + out.Message)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
