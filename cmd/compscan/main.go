// Command compscan runs a competitor scan in-process and prints the result
// as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/smrk-ai/simplecomptool/internal/config"
	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/scan"
	"github.com/smrk-ai/simplecomptool/internal/server"
)

func main() {
	ctx := context.Background()

	m := NewMain()

	if err := m.Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Scanner is the part of the scan service the commands use.
type Scanner interface {
	Scan(ctx context.Context, req scan.Request) scan.Response
	Wait(ctx context.Context, snapshotID string) error
	Result(ctx context.Context, snapshotID string) (scan.Response, error)
}

// Dependencies are bound into every command's Run method.
type Dependencies struct {
	Ctx     context.Context
	Stdout  io.Writer
	Stderr  io.Writer
	Scanner Scanner
}

// Main represents the program.
type Main struct {
	// Build opens the application for a parsed config. Tests replace it.
	Build func(ctx context.Context, cfg config.Config) (Scanner, func(), error)
}

// NewMain returns a new instance of Main with defaults.
func NewMain() *Main {
	return &Main{Build: buildApp}
}

// CLI defines the command-line interface structure for Kong.
type CLI struct {
	Config string `short:"c" type:"path" help:"Path to a config file"`

	Scan ScanCmd `cmd:"" help:"Scan a competitor website"`
	Show ShowCmd `cmd:"" help:"Print a stored snapshot (needs a persistent store)"`
}

// Run executes the CLI with the given arguments.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	deps := &Dependencies{
		Ctx:    ctx,
		Stdout: stdout,
		Stderr: stderr,
	}

	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("compscan"),
		kong.Description("Snapshot a competitor website and print the result as JSON"),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}),
		kong.Bind(deps),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	if len(args) == 0 {
		_, _ = parser.Parse([]string{"--help"})
		return fmt.Errorf("no command specified. Run 'compscan --help' to see available commands")
	}
	if args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	scanner, closeApp, err := m.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer closeApp()
	deps.Scanner = scanner

	return kongCtx.Run(deps)
}

func buildApp(ctx context.Context, cfg config.Config) (Scanner, func(), error) {
	cfg.Logging.Development = false
	cfg.Progress.PrometheusEnabled = false
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.Start(workerCtx)
	closeApp := func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := app.Close(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
	return app.Service(), closeApp, nil
}

// ScanCmd scans one site.
type ScanCmd struct {
	URL      string        `arg:"" help:"Website to scan"`
	Name     string        `short:"n" help:"Competitor name (defaults to the host)"`
	LLM      bool          `help:"Write a profile with the configured summarizer"`
	Rendered bool          `help:"Force browser rendering for every page"`
	NoWait   bool          `name:"no-wait" help:"Print the priority-phase response without waiting for the background phase"`
	Timeout  time.Duration `default:"2m" help:"Upper bound on the whole scan"`
}

// Run executes the scan command.
func (c *ScanCmd) Run(deps *Dependencies) error {
	ctx, cancel := context.WithTimeout(deps.Ctx, c.Timeout)
	defer cancel()

	resp := deps.Scanner.Scan(ctx, scan.Request{
		Name:          c.Name,
		URL:           c.URL,
		LLM:           c.LLM,
		ForceRendered: c.Rendered,
	})
	if resp.SnapshotID != "" && !c.NoWait {
		if err := deps.Scanner.Wait(ctx, resp.SnapshotID); err != nil {
			return err
		}
		final, err := deps.Scanner.Result(ctx, resp.SnapshotID)
		if err != nil {
			return err
		}
		final.RenderMode = resp.RenderMode
		resp = final
	}
	if err := writeJSON(deps.Stdout, resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return crawler.NewError(resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// ShowCmd prints a stored snapshot.
type ShowCmd struct {
	SnapshotID string `arg:"" name:"snapshot-id" help:"Snapshot to print"`
}

// Run executes the show command.
func (c *ShowCmd) Run(deps *Dependencies) error {
	resp, err := deps.Scanner.Result(deps.Ctx, c.SnapshotID)
	if err != nil {
		return err
	}
	return writeJSON(deps.Stdout, resp)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
