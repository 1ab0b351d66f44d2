package command

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

var Commands = []*Command{
	cmdMirror,
	cmdReplicate,
	cmdScaffold,
	cmdVersion,
}

type Command struct {
	// Run runs the command; it returns false on usage errors.
	Run func(cmd *Command, args []string) bool

	// UsageLine is the one-line usage message, first word is the name.
	UsageLine string

	// Short is the description shown in the 'crr help' output.
	Short string

	// Long is the description shown in 'crr help <command>'.
	Long string

	// Flag is the set of flags specific to this command.
	Flag flag.FlagSet
}

func (c *Command) Name() string {
	name := c.UsageLine
	if i := strings.Index(name, " "); i >= 0 {
		name = name[:i]
	}
	return name
}

func (c *Command) Usage() {
	fmt.Fprintf(os.Stderr, "Usage: crr %s\n", c.UsageLine)
	fmt.Fprintf(os.Stderr, "Default Usage:\n")
	c.Flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "Description:\n")
	fmt.Fprintf(os.Stderr, "  %s\n", strings.TrimSpace(c.Long))
	os.Exit(2)
}

// Runnable reports whether the command can be run; otherwise it is a
// documentation pseudo-command.
func (c *Command) Runnable() bool {
	return c.Run != nil
}
