package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
)

var (
	promptColor    = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan, color.Bold)
	errorColor     = color.New(color.FgRed, color.Bold)
	dimColor       = color.New(color.Faint)
)

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("86")).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("62")).
	Padding(0, 2).
	Width(60)

func printBanner(w io.Writer, endpoint string) {
	fmt.Fprintln(w, bannerStyle.Render("Portfolio assistant\n"+dimColor.Sprint(endpoint)))
	dimColor.Fprintln(w, "Type a message and press Enter. /clear starts over, /quit leaves.")
	fmt.Fprintln(w)
}

func printPrompt(w io.Writer) {
	promptColor.Fprint(w, "you › ")
}

func printAssistantLabel(w io.Writer) {
	assistantColor.Fprint(w, "ai  › ")
}

func printError(w io.Writer, msg string) {
	errorColor.Fprintf(w, "✗ %s\n", msg)
}

func printInfo(w io.Writer, msg string) {
	dimColor.Fprintln(w, msg)
}
