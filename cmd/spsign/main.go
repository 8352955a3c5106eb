package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/girichandu/sp-transaction-signing/pkg/config"
	"github.com/girichandu/sp-transaction-signing/pkg/transaction"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "hash":
		return runHashCmd(args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "spsign %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "spsign %s\n", version)
	_, _ = fmt.Fprintln(w, "Transaction signing sessions for the hosted signing widget.")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  spsign <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the signing backend (assertions, verification, JWKS)")
	printCommand(w, "sign", "Run one signing attempt against a simulated widget")
	printCommand(w, "hash", "Print the content hash of <transaction-id> <instructions>")
	printCommand(w, "config", "Validate configuration and print warnings")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// loadConfig reads path when given, otherwise the environment.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger builds the process logger. format is "json" or "text".
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func runHashCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hash", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: spsign hash <transaction-id> <instructions>")
		return 2
	}

	d, err := transaction.New(cmd.Arg(0), cmd.Arg(1), nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, d.ContentHash)
	return 0
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("config", "", "Path to a YAML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	warnings, err := cfg.Validate()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	endpoints, _ := cfg.Endpoints()
	_, _ = fmt.Fprintf(stdout, "environment: %s\n", cfg.Environment)
	_, _ = fmt.Fprintf(stdout, "client id:   %s\n", cfg.ClientID)
	_, _ = fmt.Fprintf(stdout, "redirect:    %s\n", cfg.RedirectTarget)
	_, _ = fmt.Fprintf(stdout, "widget:      %s\n", endpoints.WidgetScriptURL)
	_, _ = fmt.Fprintf(stdout, "backend:     %s\n", endpoints.BackendBaseURL)
	_, _ = fmt.Fprintf(stdout, "replay:      %s\n", cfg.Replay.Backend)
	for _, w := range warnings {
		_, _ = fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	return 0
}
