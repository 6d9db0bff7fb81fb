package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	mbp "go.sluice.dev/core/mainboilerplate"
	"go.sluice.dev/core/scheduler"
)

type cmdStagesList struct{}

func (cmd *cmdStagesList) Execute([]string) error {
	var stages []scheduler.StageStatus
	mbp.Must(apiGet("/stages", nil, &stages), "failed to list stages")

	var tw = tablewriter.NewWriter(os.Stdout)
	tw.Header("NAME", "STATE", "UNCONSUMED", "CURSOR", "LAST OUTCOME", "LAST RUN")

	for _, s := range stages {
		var outcome, ran = "<never ran>", ""
		if s.LastRun != nil {
			outcome = string(s.LastRun.Outcome)
			if s.LastRun.Error != "" {
				outcome = fmt.Sprintf("%s (%s)", outcome, s.LastRun.Error)
			}
			ran = humanize.Time(s.LastRun.Ended)
		}
		_ = tw.Append([]string{
			s.Name,
			s.State,
			strconv.FormatBool(s.Unconsumed),
			strconv.FormatInt(s.CursorSeq, 10),
			outcome,
			ran,
		})
	}
	return tw.Render()
}

type cmdStagesRun struct {
	Stage string `long:"stage" required:"true" description:"Stage to run"`
}

func (cmd *cmdStagesRun) Execute([]string) error {
	var rec scheduler.RunRecord
	mbp.Must(apiPost("/stages/run", url.Values{"stage": {cmd.Stage}}, &rec), "failed to run stage")

	fmt.Printf("run %s of stage %s: %s", rec.ID, rec.Stage, rec.Outcome)
	switch rec.Outcome {
	case scheduler.OutcomeSuccess:
		fmt.Printf(" (read %d entries, wrote %d rows, through sequence %d)",
			rec.EntriesRead, rec.RowsWritten, rec.ReadThrough)
	case scheduler.OutcomeFailed, scheduler.OutcomeSkipped:
		fmt.Printf(" (%s)", rec.Error)
	}
	fmt.Println()
	return nil
}

type cmdStagesHistory struct {
	Stage string `long:"stage" required:"true" description:"Stage to show history of"`
}

func (cmd *cmdStagesHistory) Execute([]string) error {
	var recs []scheduler.RunRecord
	mbp.Must(apiGet("/stages/history", url.Values{"stage": {cmd.Stage}}, &recs),
		"failed to fetch stage history")

	var tw = tablewriter.NewWriter(os.Stdout)
	tw.Header("RUN", "BEGAN", "TOOK", "OUTCOME", "ENTRIES", "ROWS", "THROUGH", "ERROR")

	for _, r := range recs {
		_ = tw.Append([]string{
			r.ID.String(),
			humanize.Time(r.Began),
			r.Ended.Sub(r.Began).String(),
			string(r.Outcome),
			strconv.Itoa(r.EntriesRead),
			strconv.Itoa(r.RowsWritten),
			strconv.FormatInt(r.ReadThrough, 10),
			r.Error,
		})
	}
	return tw.Render()
}
