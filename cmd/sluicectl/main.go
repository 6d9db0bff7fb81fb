package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	mbp "go.sluice.dev/core/mainboilerplate"
)

const iniFilename = "sluicectl.ini"

// Config is the top-level configuration object of sluicectl.
var Config = new(struct {
	Daemon struct {
		Address string `long:"address" env:"ADDRESS" default:"http://localhost:8080" description:"Address of the sluice daemon"`
	} `group:"Daemon" namespace:"daemon" env-namespace:"DAEMON"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// apiGet issues a GET of daemon |path| with |params|, decoding a JSON
// response into |into| (or streaming the raw body to |into| if it's an
// io.Writer).
func apiGet(path string, params url.Values, into interface{}) error {
	var resp, err = http.Get(apiURL(path, params))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return apiResult(resp, into)
}

// apiPost issues a POST of daemon |path| with |params|.
func apiPost(path string, params url.Values, into interface{}) error {
	var resp, err = http.Post(apiURL(path, params), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return apiResult(resp, into)
}

func apiURL(path string, params url.Values) string {
	var u = strings.TrimSuffix(Config.Daemon.Address, "/") + path
	if len(params) != 0 {
		u += "?" + params.Encode()
	}
	return u
}

func apiResult(resp *http.Response, into interface{}) error {
	if resp.StatusCode != http.StatusOK {
		var body, _ = io.ReadAll(resp.Body)
		return errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if w, ok := into.(io.Writer); ok {
		var _, err = io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.LongDescription = `sluicectl is a tool for interacting with a sluice pipeline daemon.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure sluicectl with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/sluice/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the tool's current configuration.
`

	var stages = mustAddCmd(parser.Command, "stages", "Interact with pipeline stages", "", &struct{}{})
	_ = mustAddCmd(stages, "list", "List stages and their run states", `
List the stages of the pipeline, with current run state, cursor position,
unconsumed-change indication, and most recent run outcome.
`, &cmdStagesList{})
	_ = mustAddCmd(stages, "run", "Force an immediate run of a stage", `
Force an immediate run of the stage, bypassing its trigger but still
respecting single-flight and gate logic. A stage which is already running
is not queued; the command fails instead.
`, &cmdStagesRun{})
	_ = mustAddCmd(stages, "history", "Show recent runs of a stage", `
Show the retained recent run records of the stage, oldest first.
`, &cmdStagesHistory{})

	var tables = mustAddCmd(parser.Command, "tables", "Interact with pipeline tables", "", &struct{}{})
	_ = mustAddCmd(tables, "read", "Read rows of a table", `
Read the current contents of the table as newline-delimited JSON rows.
`, &cmdTablesRead{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}
