package console

import (
	"strings"

	"github.com/chzyer/readline"
)

// Confirm asks a yes/no question before a destructive step such as
// overwriting a board configuration or a firmware image. Anything but an
// explicit yes declines.
func Confirm(question string) (bool, error) {
	rl, err := readline.New(question + " [y/N]: ")
	if err != nil {
		return false, err
	}
	defer func() { _ = rl.Close() }()
	line, err := rl.Readline()
	if err != nil {
		return false, err
	}
	return accepted(line), nil
}

func accepted(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
