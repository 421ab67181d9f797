// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"io"
	"time"

	"github.com/absmach/meshprobe/clients"
	"github.com/absmach/meshprobe/worker"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Results holds the final reports of a run.
type Results struct {
	Reports  []worker.Report
	External []ExternalResult
}

// ExternalResult is the outcome of an external client process.
type ExternalResult struct {
	Name     string
	Role     string
	Count    int
	ExitCode int
	// Lines is the number of lines the client printed.
	Lines int
	Err   error
}

// Completed reports whether the client exited cleanly. A receiver with a
// count must also have printed at least one line per message.
func (e ExternalResult) Completed() bool {
	if e.Err != nil || e.ExitCode != 0 {
		return false
	}
	if e.Role == string(clients.Receiver) && e.Count > 0 {
		return e.Lines >= e.Count
	}
	return true
}

// Failed reports whether any worker failed, timed out or missed its
// target, or any external client did not complete.
func (r Results) Failed() bool {
	for _, rep := range r.Reports {
		if !rep.Completed() {
			return true
		}
	}
	for _, e := range r.External {
		if !e.Completed() {
			return true
		}
	}
	return false
}

// Get returns the report of the named worker.
func (r Results) Get(name string) (worker.Report, bool) {
	for _, rep := range r.Reports {
		if rep.Name == name {
			return rep, true
		}
	}
	return worker.Report{}, false
}

// Render writes the reports to w as a table.
func (r Results) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		"NAME", "ROLE", "ADDRESS", "TARGET", "SENT", "RECEIVED", "ACCEPTED",
		"REJECTED", "RELEASED", "MODIFIED", "DUPLICATES", "DURATION", "STATUS",
	})
	for _, rep := range r.Reports {
		t.AppendRow(table.Row{
			rep.Name, rep.Role, rep.Address, rep.Target, rep.Sent, rep.Received, rep.Accepted,
			rep.Rejected, rep.Released, rep.Modified, rep.Duplicates, rep.Duration.Round(time.Millisecond), status(rep),
		})
	}
	t.Render()

	if len(r.External) == 0 {
		return
	}
	ext := table.NewWriter()
	ext.SetOutputMirror(w)
	ext.SetStyle(table.StyleRounded)
	ext.AppendHeader(table.Row{"CLIENT", "ROLE", "COUNT", "EXIT CODE", "LINES", "STATUS"})
	for _, e := range r.External {
		st := text.FgGreen.Sprint("completed")
		switch {
		case e.Err != nil:
			st = text.FgRed.Sprint("failed: " + e.Err.Error())
		case !e.Completed():
			st = text.FgYellow.Sprint("incomplete")
		}
		ext.AppendRow(table.Row{e.Name, e.Role, e.Count, e.ExitCode, e.Lines, st})
	}
	ext.Render()
}

func status(rep worker.Report) string {
	switch {
	case rep.Err != nil:
		return text.FgRed.Sprint("failed: " + rep.Err.Error())
	case rep.TimedOut:
		return text.FgYellow.Sprint("timed out")
	case rep.Completed():
		return text.FgGreen.Sprint("completed")
	default:
		return text.FgYellow.Sprint("incomplete")
	}
}
