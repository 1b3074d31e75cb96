/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/viper"
)

// printer renders command output in the invocation's chosen format. Commands
// build rows; formatting decisions live here.
type printer struct {
	out    io.Writer
	json   bool
	colors *colorScheme
}

func newPrinter(v *viper.Viper) *printer {
	return &printer{
		out:    os.Stdout,
		json:   v.GetString("output") == "json",
		colors: newColorScheme(os.Stdout, v.GetBool("no-color")),
	}
}

// JSON writes v indented. Commands call it when the invocation asked for
// machine output and return immediately after.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output, %w", err)
	}
	return nil
}

// Table renders headers and rows without borders, tab-padded, the way
// kubectl does.
func (p *printer) Table(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(p.out)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.SetHeader(headers)
	table.AppendBulk(rows)
	table.Render()
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// colorScheme carries the sprint functions for each output role. When color
// is off every function is a plain Sprintf, so call sites never branch.
type colorScheme struct {
	success func(format string, a ...interface{}) string
	failure func(format string, a ...interface{}) string
	warn    func(format string, a ...interface{}) string
	accent  func(format string, a ...interface{}) string
}

func newColorScheme(w io.Writer, noColor bool) *colorScheme {
	if noColor || !isTTY(w) {
		plain := color.New().Sprintf
		return &colorScheme{success: plain, failure: plain, warn: plain, accent: plain}
	}
	return &colorScheme{
		success: color.New(color.FgGreen).Sprintf,
		failure: color.New(color.FgRed, color.Bold).Sprintf,
		warn:    color.New(color.FgYellow).Sprintf,
		accent:  color.New(color.FgCyan).Sprintf,
	}
}

// state colors a task or future state by its meaning.
func (c *colorScheme) state(s string) string {
	switch s {
	case "completed", "ok":
		return c.success("%s", s)
	case "failed":
		return c.failure("%s", s)
	case "running", "claimed":
		return c.accent("%s", s)
	default:
		return c.warn("%s", s)
	}
}

func isTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}
