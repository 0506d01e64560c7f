package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// Callback data format: "bc:<action>:<sender>[:<target>]". Decoded once at
// the dispatch boundary; handlers work with the typed Command.
const callbackScheme = "bc"

type Action string

const (
	ActionMenu          Action = "menu"
	ActionTargets       Action = "targets"
	ActionSetup         Action = "setup"
	ActionSetupAllFixed Action = "setupallfixed"
	ActionSetupAllRange Action = "setupallrange"
	ActionStop          Action = "stop"
	ActionStopAll       Action = "stopall"
	ActionResume        Action = "resume"
	ActionStatus        Action = "status"
	ActionHistory       Action = "history"
	ActionHome          Action = "home"
)

type Command struct {
	Action   Action
	SenderID int64
	TargetID int64
}

// needsTarget lists the actions that address a (sender, target) pair.
func (a Action) needsTarget() bool {
	switch a {
	case ActionSetup, ActionStop, ActionResume:
		return true
	}
	return false
}

func (a Action) needsSender() bool { return a != ActionHome }

func encodeCommand(c Command) string {
	switch {
	case c.Action.needsTarget():
		return fmt.Sprintf("%s:%s:%d:%d", callbackScheme, c.Action, c.SenderID, c.TargetID)
	case c.Action.needsSender():
		return fmt.Sprintf("%s:%s:%d", callbackScheme, c.Action, c.SenderID)
	default:
		return fmt.Sprintf("%s:%s", callbackScheme, c.Action)
	}
}

func parseCommand(data string) (Command, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) < 2 || parts[0] != callbackScheme {
		return Command{}, fmt.Errorf("not a broadcast callback: %q", data)
	}
	cmd := Command{Action: Action(parts[1])}

	want := 2
	if cmd.Action.needsSender() {
		want = 3
	}
	if cmd.Action.needsTarget() {
		want = 4
	}
	if len(parts) != want {
		return Command{}, fmt.Errorf("callback %q: want %d fields, got %d", data, want, len(parts))
	}

	var err error
	if cmd.Action.needsSender() {
		cmd.SenderID, err = strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("callback %q: bad sender id: %w", data, err)
		}
	}
	if cmd.Action.needsTarget() {
		cmd.TargetID, err = strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("callback %q: bad target id: %w", data, err)
		}
	}
	return cmd, nil
}
