package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// MustParseConfig parses the combined configuration of |parser|: an optional
// INI file named |configName| found on the config search path, environment
// bindings, and explicit flags. It exits with an error if parsing fails.
func MustParseConfig(parser *flags.Parser, configName string) {
	if err := parseConfig(parser, configName, configSearchPath()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	MustParseArgs(parser)
}

// parseConfig applies the first INI file named |configName| found under a
// |prefixes| directory. Options unknown to |parser| are tolerated, as a
// shared file may configure several binaries.
func parseConfig(parser *flags.Parser, configName string, prefixes []string) error {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var ini = flags.NewIniParser(parser)
	for _, prefix := range prefixes {
		var err = ini.ParseFile(filepath.Join(prefix, configName))
		if err == nil || !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// configSearchPath is the current working directory, then the user's
// ~/.config/sluice directory.
func configSearchPath() []string {
	var home = os.Getenv("HOME")
	if home == "" {
		home = os.Getenv("UserProfile")
	}
	return []string{".", filepath.Join(home, ".config", "sluice")}
}

// MustParseArgs parses arguments and dispatches to the selected command,
// exiting with full usage help if no command was named or help was asked for.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "failed to parse arguments")
	}

	switch flagErr.Type {
	case flags.ErrCommandRequired:
		// Extend go-flag's terse "Please specify one command of: ..." output
		// with the full usage.
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		writeVersion(os.Stderr)
	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
			writeVersion(os.Stderr)
		}
	default:
		// A problem of input. go-flags already printed a helpful message.
	}
	os.Exit(1)
}

func writeVersion(w *os.File) {
	fmt.Fprintf(w, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd adds a "print-config" command to the Parser, which
// writes the combined parsed configuration to stdout in INI form. It helps
// users verify how their file, environment, and flag settings compose.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
