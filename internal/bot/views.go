package bot

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"tgblaster/internal/store"
)

func btn(text string, cmd Command) tele.InlineButton {
	return tele.InlineButton{Text: text, Data: encodeCommand(cmd)}
}

func inline(rows ...[]tele.InlineButton) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func (s *Service) homeView(ctx context.Context) (string, *tele.ReplyMarkup, error) {
	senders, err := s.store.Senders(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(senders) == 0 {
		return "No senders yet.\n\n" + helpText, inline(), nil
	}

	var rows [][]tele.InlineButton
	for _, sd := range senders {
		label := sd.Label
		if label == "" {
			label = "sender " + itoa(sd.ID)
		}
		rows = append(rows, []tele.InlineButton{
			btn(label, Command{Action: ActionMenu, SenderID: sd.ID}),
		})
	}
	return "Pick a sender:\n\n" + helpText, inline(rows...), nil
}

func (s *Service) senderView(ctx context.Context, senderID int64) (string, *tele.ReplyMarkup) {
	title := "Sender " + itoa(senderID)
	if sd, err := s.store.Sender(ctx, senderID); err == nil && sd.Label != "" {
		title = sd.Label
	}
	markup := inline(
		[]tele.InlineButton{
			btn("🎯 Targets", Command{Action: ActionTargets, SenderID: senderID}),
			btn("📊 Status", Command{Action: ActionStatus, SenderID: senderID}),
		},
		[]tele.InlineButton{
			btn("📣 All, fixed pace", Command{Action: ActionSetupAllFixed, SenderID: senderID}),
			btn("📣 All, random pace", Command{Action: ActionSetupAllRange, SenderID: senderID}),
		},
		[]tele.InlineButton{
			btn("⏹ Stop all", Command{Action: ActionStopAll, SenderID: senderID}),
			btn("🕘 History", Command{Action: ActionHistory, SenderID: senderID}),
		},
		[]tele.InlineButton{
			btn("« Back", Command{Action: ActionHome}),
		},
	)
	return title, markup
}

func (s *Service) targetsView(ctx context.Context, senderID int64) (string, *tele.ReplyMarkup) {
	targets, err := s.store.Targets(ctx, senderID)
	if err != nil {
		return "Failed to load targets: " + err.Error(), backMarkup(senderID)
	}
	if len(targets) == 0 {
		return "No targets. Add one with /addtarget " + itoa(senderID) + " <@handle or chat-id>.", backMarkup(senderID)
	}

	var rows [][]tele.InlineButton
	for _, t := range targets {
		rows = append(rows, []tele.InlineButton{
			btn(t.Ref, Command{Action: ActionSetup, SenderID: senderID, TargetID: t.TargetID}),
			btn("▶️", Command{Action: ActionResume, SenderID: senderID, TargetID: t.TargetID}),
			btn("⏹", Command{Action: ActionStop, SenderID: senderID, TargetID: t.TargetID}),
		})
	}
	rows = append(rows, []tele.InlineButton{btn("« Back", Command{Action: ActionMenu, SenderID: senderID})})
	return "Tap a target to set up its broadcast, ▶️ to resume, ⏹ to stop:", inline(rows...)
}

func (s *Service) statusView(ctx context.Context, senderID int64) (string, *tele.ReplyMarkup) {
	targets, err := s.store.Targets(ctx, senderID)
	if err != nil {
		return "Failed to load targets: " + err.Error(), backMarkup(senderID)
	}
	if len(targets) == 0 {
		return "No targets configured.", backMarkup(senderID)
	}

	var b strings.Builder
	b.WriteString("Broadcast status:\n")
	for _, t := range targets {
		rec, err := s.store.Broadcast(ctx, senderID, t.TargetID)
		switch {
		case err != nil:
			fmt.Fprintf(&b, "• %s — not configured\n", t.Ref)
		case rec.Active:
			fmt.Fprintf(&b, "• %s — active, %s\n", t.Ref, describeCadence(rec))
		case rec.ErrorReason != "":
			fmt.Fprintf(&b, "• %s — stopped: %s\n", t.Ref, rec.ErrorReason)
		default:
			fmt.Fprintf(&b, "• %s — stopped\n", t.Ref)
		}
	}
	return b.String(), backMarkup(senderID)
}

func describeCadence(rec store.BroadcastRecord) string {
	if rec.IntervalMaxMinutes > rec.IntervalMinutes {
		return fmt.Sprintf("every %d-%d min", rec.IntervalMinutes, rec.IntervalMaxMinutes)
	}
	return fmt.Sprintf("every %d min", rec.IntervalMinutes)
}

func (s *Service) historyView(ctx context.Context, senderID int64) (string, *tele.ReplyMarkup) {
	entries, err := s.store.History(ctx, senderID, s.cfg.HistoryLimit)
	if err != nil {
		return "Failed to load history: " + err.Error(), backMarkup(senderID)
	}
	if len(entries) == 0 {
		return "No deliveries yet.", backMarkup(senderID)
	}

	var b strings.Builder
	b.WriteString("Recent deliveries:\n")
	for _, e := range entries {
		name := e.TargetName
		if name == "" {
			name = itoa(e.TargetID)
		}
		fmt.Fprintf(&b, "• %s — %s: %s\n", e.SentAt.Local().Format("02 Jan 15:04"), name, ellipsis(e.Text, 40))
	}
	return b.String(), backMarkup(senderID)
}

func backMarkup(senderID int64) *tele.ReplyMarkup {
	return inline([]tele.InlineButton{btn("« Back", Command{Action: ActionMenu, SenderID: senderID})})
}

func ellipsis(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
