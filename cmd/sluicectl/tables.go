package main

import (
	"net/url"
	"os"

	mbp "go.sluice.dev/core/mainboilerplate"
)

type cmdTablesRead struct {
	Table string `long:"table" required:"true" description:"Table to read"`
}

func (cmd *cmdTablesRead) Execute([]string) error {
	mbp.Must(apiGet("/tables/read", url.Values{"table": {cmd.Table}}, os.Stdout),
		"failed to read table")
	return nil
}
