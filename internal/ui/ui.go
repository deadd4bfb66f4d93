// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides terminal output helpers with optional color.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	subColor     = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgBlue)
	labelColor   = color.New(color.Bold)
	dimColor     = color.New(color.Faint)
)

// InitColors configures color output. Colors are disabled when noColor is
// true, when NO_COLOR is set, or when stdout is not a terminal.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Header prints a prominent section header.
func Header(text string) {
	fmt.Println()
	headerColor.Println(text)
	headerColor.Println(strings.Repeat("=", len(text)))
}

// SubHeader prints a secondary section header.
func SubHeader(text string) {
	fmt.Println()
	subColor.Println(text)
}

// Success prints a success line with a check mark.
func Success(text string) {
	successColor.Println("✓ " + text)
}

// Warning prints a warning line.
func Warning(text string) {
	warningColor.Println("! " + text)
}

// Warningf prints a formatted warning line.
func Warningf(format string, args ...interface{}) {
	warningColor.Printf("! "+format+"\n", args...)
}

// Info prints an informational line.
func Info(text string) {
	infoColor.Println(text)
}

// Infof prints a formatted informational line.
func Infof(format string, args ...interface{}) {
	infoColor.Printf(format+"\n", args...)
}

// Label prints "name: value" with a bold name.
func Label(name, value string) {
	labelColor.Printf("%s: ", name)
	fmt.Println(value)
}

// DimText returns text styled dim, for secondary detail.
func DimText(text string) string {
	return dimColor.Sprint(text)
}

// CountText returns a count styled for emphasis.
func CountText(n int) string {
	return labelColor.Sprintf("%d", n)
}
