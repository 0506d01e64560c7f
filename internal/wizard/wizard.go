// Package wizard drives the step-by-step broadcast setup dialog.
//
// One operator has at most one session at a time. Each Input call advances
// the session's state machine and returns the next prompt; invalid input
// re-prompts without advancing. When the final step completes, the
// collected Intent is returned and the session is gone.
package wizard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"tgblaster/internal/broadcast"
	"tgblaster/pkg/logx"
)

type step int

const (
	stepText step = iota
	stepIntervalMin
	stepIntervalMax
	stepPhotoChoice
	stepPhotoRef
)

// Mode selects how the interval step runs: one fixed cadence for every
// send, or an operator-supplied [min,max] range the trigger jitters in.
type Mode int

const (
	ModeFixed Mode = iota
	ModeRange
)

// ErrNoSession is returned for Input calls from an operator with no
// session in progress.
var ErrNoSession = errors.New("no setup in progress")

// Result is the completed outcome of a session: where to broadcast and the
// validated intent to do it with.
type Result struct {
	SenderID int64
	TargetID int64
	Batch    bool
	Intent   broadcast.Intent
}

type session struct {
	senderID int64
	targetID int64
	batch    bool
	mode     Mode
	step     step
	intent   broadcast.Intent
}

type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*session
	log      logx.Logger
}

func NewManager(log logx.Logger) *Manager {
	return &Manager{
		sessions: map[int64]*session{},
		log:      log.With(logx.String("comp", "wizard")),
	}
}

// Start opens a session for the operator, replacing any session already in
// progress, and returns the first prompt. targetID is ignored when batch
// is set. ModeFixed asks a single interval question; ModeRange asks for a
// minimum and a maximum.
func (m *Manager) Start(operatorID, senderID, targetID int64, batch bool, mode Mode) string {
	m.mu.Lock()
	m.sessions[operatorID] = &session{senderID: senderID, targetID: targetID, batch: batch, mode: mode}
	m.mu.Unlock()
	m.log.Debug("setup started",
		logx.Int64("operator", operatorID), logx.Int64("sender", senderID), logx.Bool("batch", batch))
	return "Send the broadcast text, or \"skip\" for a photo-only broadcast."
}

// Active reports whether the operator has a session in progress.
func (m *Manager) Active(operatorID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[operatorID]
	return ok
}

// Cancel discards the operator's session if one exists.
func (m *Manager) Cancel(operatorID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[operatorID]; !ok {
		return false
	}
	delete(m.sessions, operatorID)
	return true
}

// Input feeds one operator message into the session. It returns the next
// prompt, and a non-nil Result once the session completes. Invalid input
// returns a corrective prompt and leaves the session on the same step.
func (m *Manager) Input(operatorID int64, text string) (string, *Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[operatorID]
	if !ok {
		return "", nil, ErrNoSession
	}

	text = strings.TrimSpace(text)
	prompt, done := m.advance(s, text)
	if done != nil {
		delete(m.sessions, operatorID)
		m.log.Debug("setup finished", logx.Int64("operator", operatorID))
	}
	return prompt, done, nil
}

const (
	promptPhotoChoice = "Attach a photo? Answer \"yes\", \"no\", or \"only\" to drop the text and send the photo alone."
	promptPhotoRef    = "Send the photo: a file id, URL, or file path."
)

func (m *Manager) advance(s *session, text string) (string, *Result) {
	switch s.step {
	case stepText:
		if strings.EqualFold(text, "skip") {
			s.intent.Text = ""
		} else {
			if text == "" {
				return "The text cannot be empty. Send the broadcast text, or \"skip\" for photo-only.", nil
			}
			s.intent.Text = text
		}
		s.step = stepIntervalMin
		if s.mode == ModeFixed {
			return "Interval between sends, in minutes?", nil
		}
		return "Minimum interval between sends, in minutes?", nil

	case stepIntervalMin:
		n, err := strconv.Atoi(text)
		if err != nil || n <= 0 {
			return "Please send a whole number of minutes, at least 1.", nil
		}
		s.intent.IntervalMin = n
		if s.mode == ModeFixed {
			s.intent.IntervalMax = 0
			s.step = stepPhotoChoice
			return promptPhotoChoice, nil
		}
		s.step = stepIntervalMax
		return fmt.Sprintf("Maximum interval in minutes, or \"same\" for a fixed %d-minute cadence?", n), nil

	case stepIntervalMax:
		if strings.EqualFold(text, "same") {
			s.intent.IntervalMax = 0
			s.step = stepPhotoChoice
			return promptPhotoChoice, nil
		}
		n, err := strconv.Atoi(text)
		if err != nil || n < s.intent.IntervalMin {
			return fmt.Sprintf("Send a number of minutes no less than %d, or \"same\".", s.intent.IntervalMin), nil
		}
		if n == s.intent.IntervalMin {
			s.intent.IntervalMax = 0
		} else {
			s.intent.IntervalMax = n
		}
		s.step = stepPhotoChoice
		return promptPhotoChoice, nil

	case stepPhotoChoice:
		switch strings.ToLower(text) {
		case "yes", "y":
			s.step = stepPhotoRef
			return promptPhotoRef, nil
		case "only":
			// Switch to a photo-only broadcast, discarding the text
			// collected in step one.
			s.intent.Text = ""
			s.step = stepPhotoRef
			return promptPhotoRef, nil
		case "no", "n":
			if s.intent.Text == "" {
				// Photo skipped in step one and declined here leaves
				// nothing to send.
				return "A broadcast without text needs a photo. Attach one? (yes / only)", nil
			}
			return "", s.finish()
		default:
			return "Please answer \"yes\", \"no\", or \"only\".", nil
		}

	case stepPhotoRef:
		if text == "" {
			return "The photo reference cannot be empty. Send a file id, URL, or file path.", nil
		}
		s.intent.PhotoRef = text
		return "", s.finish()
	}
	return "", nil
}

func (s *session) finish() *Result {
	return &Result{
		SenderID: s.senderID,
		TargetID: s.targetID,
		Batch:    s.batch,
		Intent:   s.intent,
	}
}
