package main

import (
	"fmt"
	"io"
	"strings"
)

// ANSI color codes
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
)

// printer writes decorated output. Colors are off when NO_COLOR is set.
type printer struct {
	out    io.Writer
	err    io.Writer
	colors bool
}

func newPrinter(out, errOut io.Writer, lookupEnv func(string) (string, bool)) *printer {
	_, noColor := lookupEnv("NO_COLOR")
	return &printer{out: out, err: errOut, colors: !noColor}
}

func (p *printer) colorize(color, text string) string {
	if !p.colors {
		return text
	}
	return color + text + ansiReset
}

func (p *printer) red(text string) string    { return p.colorize(ansiRed, text) }
func (p *printer) green(text string) string  { return p.colorize(ansiGreen, text) }
func (p *printer) yellow(text string) string { return p.colorize(ansiYellow, text) }
func (p *printer) blue(text string) string   { return p.colorize(ansiBlue, text) }
func (p *printer) cyan(text string) string   { return p.colorize(ansiCyan, text) }
func (p *printer) bold(text string) string   { return p.colorize(ansiBold, text) }
func (p *printer) dim(text string) string    { return p.colorize(ansiDim, text) }

func (p *printer) success(message string) {
	fmt.Fprintln(p.out, p.green("✓")+" "+message)
}

func (p *printer) failure(message string) {
	fmt.Fprintln(p.err, p.red("✗")+" "+message)
}

func (p *printer) warning(message string) {
	fmt.Fprintln(p.out, p.yellow("⚠")+" "+message)
}

func (p *printer) info(message string) {
	fmt.Fprintln(p.out, p.blue("ℹ")+" "+message)
}

func (p *printer) header(title string) {
	fmt.Fprintln(p.out, "\n"+p.bold(p.cyan(title)))
	fmt.Fprintln(p.out, p.dim(strings.Repeat("─", 40)))
}

// table pads on the raw cell width so color codes do not skew alignment.
func (p *printer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(p.bold(h) + strings.Repeat(" ", widths[i]-len(h)+2))
	}
	fmt.Fprintln(p.out, strings.TrimRight(b.String(), " "))

	b.Reset()
	for _, w := range widths {
		b.WriteString(strings.Repeat("─", w) + "  ")
	}
	fmt.Fprintln(p.out, strings.TrimRight(b.String(), " "))

	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			b.WriteString(cell + strings.Repeat(" ", widths[i]-len(cell)+2))
		}
		fmt.Fprintln(p.out, strings.TrimRight(b.String(), " "))
	}
}
