package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs rejects operator-supplied arguments that try to
// smuggle in shell syntax or a second output.
func SanitizeAndValidateArgs(args []string) error {
	for i, arg := range args {
		// exec.Command never runs a shell, but these characters have no place in
		// encoder options and usually mean the value was meant for one.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if arg == "-i" {
			return fmt.Errorf("extra arguments must not add inputs (argument %d)", i)
		}
		if arg == "-f" {
			return fmt.Errorf("extra arguments must not change the output format (argument %d)", i)
		}
	}
	return nil
}
