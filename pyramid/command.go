/*
	This file holds types and functions supporting command-line activity.
*/

package pyramid

import (
	"fmt"
	"strconv"
	"strings"
)

// Keys for setting various arguments within the command line via "key=value" strings.
const (
	KeyPad      = "pad"
	KeyOut      = "out"
	KeyCompress = "compress"
	KeyParallel = "parallel"
)

// Command supports command-line interaction.  The first item in the string slice
// is the command, e.g., "schedule" or "plan".  The other arguments are command
// arguments or optional settings of the form "<key>=<value>".
type Command []string

// String returns a space-separated command line
func (cmd Command) String() string {
	return strings.Join([]string(cmd), " ")
}

// Name returns the first argument which is assumed to be the name of the command.
func (cmd Command) Name() string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0]
}

// Parameter scans a command for any "key=value" argument and returns
// the value of the passed 'key'.
func (cmd Command) Parameter(key string) (value string, found bool) {
	if len(cmd) > 1 {
		for _, arg := range cmd[1:] {
			elems := strings.SplitN(arg, "=", 2)
			if len(elems) == 2 && elems[0] == key {
				value = elems[1]
				found = true
				return
			}
		}
	}
	return
}

// IntParameter returns the integer value of a "key=value" setting or the given
// default if the setting is absent.
func (cmd Command) IntParameter(key string, defaultValue int) (int, error) {
	s, found := cmd.Parameter(key)
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("setting %q must be an integer, got %q", key, s)
	}
	return v, nil
}

// Argument returns the i-th positional argument (0 is the command name), skipping
// "key=value" settings.  It returns the empty string if there is no such argument.
func (cmd Command) Argument(pos int) string {
	if pos == 0 {
		return cmd.Name()
	}
	if len(cmd) < 2 {
		return ""
	}
	n := 0
	for _, arg := range cmd[1:] {
		if isSetting(arg) {
			continue
		}
		n++
		if n == pos {
			return arg
		}
	}
	return ""
}

// CommandArgs sets a variadic argument set of string pointers to command
// arguments, ignoring setting arguments of the form "<key>=<value>".
// If there aren't enough arguments to set a target, the target is set to the
// empty string.  It returns an 'overflow' slice that has all arguments
// beyond those needed for targets.
func (cmd Command) CommandArgs(targets ...*string) (overflow []string) {
	overflow = make([]string, 0, len(cmd))
	for _, target := range targets {
		*target = ""
	}
	if len(cmd) < 2 {
		return
	}
	curTarget := 0
	for _, arg := range cmd[1:] {
		if isSetting(arg) {
			continue
		}
		if curTarget >= len(targets) {
			overflow = append(overflow, arg)
		} else {
			*(targets[curTarget]) = arg
		}
		curTarget++
	}
	return
}

func isSetting(arg string) bool {
	elems := strings.SplitN(arg, "=", 2)
	return len(elems) == 2 && elems[0] != ""
}
