package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"github.com/cloudcrr/cloudcrr/crr/command"
)

var commands = command.Commands

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	if args[0] == "help" {
		help(args[1:])
		return
	}

	for _, cmd := range commands {
		if cmd.Name() == args[0] && cmd.Runnable() {
			cmd.Flag.Usage = func() { cmd.Usage() }
			cmd.Flag.Parse(args[1:])
			args = cmd.Flag.Args()
			if !cmd.Run(cmd, args) {
				fmt.Fprintf(os.Stderr, "Default Parameters:\n")
				cmd.Flag.PrintDefaults()
			}
			return
		}
	}

	fmt.Fprintf(os.Stderr, "crr: unknown subcommand %q\nRun 'crr help' for usage.\n", args[0])
	os.Exit(2)
}

var usageTemplate = `crr replicates an object store's change log to cross-backend destinations.

Usage:

	crr command [arguments]

The commands are:
{{range .}}{{if .Runnable}}
    {{.Name | printf "%-11s"}} {{.Short}}{{end}}{{end}}

Use "crr help [command]" for more information about a command.

`

var helpTemplate = `{{if .Runnable}}Usage: crr {{.UsageLine}}
{{end}}
  {{.Long}}
`

func tmpl(w io.Writer, text string, data interface{}) {
	t := template.New("top")
	t.Funcs(template.FuncMap{"trim": strings.TrimSpace})
	template.Must(t.Parse(text))
	if err := t.Execute(w, data); err != nil {
		panic(err)
	}
}

func usage() {
	tmpl(os.Stderr, usageTemplate, commands)
	os.Exit(2)
}

func help(args []string) {
	if len(args) == 0 {
		tmpl(os.Stdout, usageTemplate, commands)
		return
	}
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: crr help command\n\nToo many arguments given.\n")
		os.Exit(2)
	}

	arg := args[0]
	for _, cmd := range commands {
		if cmd.Name() == arg {
			tmpl(os.Stdout, helpTemplate, cmd)
			return
		}
	}

	fmt.Fprintf(os.Stderr, "Unknown help topic %#q.  Run 'crr help'.\n", arg)
	os.Exit(2)
}
