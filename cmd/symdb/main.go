package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/symdb/internal/config"
	"github.com/standardbeagle/symdb/internal/debug"
	"github.com/standardbeagle/symdb/internal/engine"
	"github.com/standardbeagle/symdb/internal/types"
	"github.com/standardbeagle/symdb/internal/version"
)

// loadConfigWithOverrides loads configuration from the project root and
// applies CLI flag overrides on top.
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	root := c.String("root")
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path %q: %w", root, err)
	}

	cfg, err := config.Load(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %s: %w", absRoot, err)
	}

	if includeFlags := c.StringSlice("include"); len(includeFlags) > 0 {
		cfg.Include = includeFlags
	}
	if excludeFlags := c.StringSlice("exclude"); len(excludeFlags) > 0 {
		cfg.Exclude = append(cfg.Exclude, excludeFlags...)
	}
	if workers := c.Int("workers"); workers > 0 {
		cfg.Pipeline.Workers = workers
	}
	return cfg, nil
}

// setupDebug wires debug output according to the global flags.
func setupDebug(c *cli.Context) error {
	if c.Bool("debug-file") {
		path, err := debug.InitDebugLogFile()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Debug log: %s\n", path)
		return nil
	}
	if c.Bool("debug") {
		debug.SetDebugOutput(os.Stderr)
	}
	return nil
}

// runIndex builds the engine, scans, and waits for the index to quiesce.
func runIndex(c *cli.Context, cfg *config.Config) (*engine.Engine, error) {
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}

	n, err := eng.Start(c.Context)
	if err != nil {
		eng.Close()
		return nil, err
	}
	debug.Log("cli", "initial scan submitted %d files", n)

	if err := eng.Drain(c.Context); err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

func printStatus(st engine.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("Files:    %d\n", st.Files)
	fmt.Printf("Symbols:  %d\n", st.Symbols)
	fmt.Printf("Uses:     %d\n", st.Uses)
	fmt.Printf("Parsed:   %d (cache hits %d, fresh skips %d, failures %d)\n",
		st.Pipeline.Parsed, st.Pipeline.CacheHits, st.Pipeline.FreshSkips, st.Pipeline.ParseFailures)
	fmt.Printf("Cache:    %d entries\n", st.Cache.Entries)
	if st.Watch != nil {
		fmt.Printf("Watcher:  active=%v events=%d\n", st.Watch.IsActive, st.Watch.EventsProcessed)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:                   "symdb",
		Usage:                  "Incremental C/C++ symbol indexing",
		Version:                version.FullInfo(),
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Project root directory (overrides config)",
			},
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "Include files matching glob patterns (e.g., --include '**/*.cpp')",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Exclude files matching glob patterns (e.g., --exclude '**/third_party/**')",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Parser worker count (0 = number of CPUs)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Write debug logging to stderr",
			},
			&cli.BoolFlag{
				Name:  "debug-file",
				Usage: "Write debug logging to a file under the system temp directory",
			},
		},
		Before: setupDebug,
		After: func(c *cli.Context) error {
			return debug.CloseDebugLog()
		},
		Commands: []*cli.Command{
			{
				Name:  "index",
				Usage: "Index the project once and print a summary",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print the summary as JSON"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					eng, err := runIndex(c, cfg)
					if err != nil {
						return err
					}
					defer eng.Close()
					return printStatus(eng.Status(), c.Bool("json"))
				},
			},
			{
				Name:  "watch",
				Usage: "Index the project and keep it fresh until interrupted",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					cfg.Index.WatchMode = true

					eng, err := runIndex(c, cfg)
					if err != nil {
						return err
					}
					defer eng.Close()

					st := eng.Status()
					fmt.Printf("Indexed %d files (%d symbols); watching %s\n",
						st.Files, st.Symbols, cfg.Project.Root)

					ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					<-ctx.Done()

					fmt.Println("Shutting down")
					return nil
				},
			},
			{
				Name:      "lookup",
				Usage:     "Index the project and resolve a qualified symbol name",
				ArgsUsage: "<qualified-name>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "references",
						Aliases: []string{"refs"},
						Usage:   "List every use instead of just the definition",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one symbol name")
					}
					name := c.Args().First()

					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					eng, err := runIndex(c, cfg)
					if err != nil {
						return err
					}
					defer eng.Close()

					syms := eng.LookupByName(name)
					if len(syms) == 0 {
						return fmt.Errorf("symbol %q not found", name)
					}

					for _, sym := range syms {
						fmt.Printf("%s %s%s\n", sym.Kind, sym.Name, sym.Signature)
						if def, ok := eng.Definition(sym.ID); ok {
							fmt.Printf("  defined at %s:%s\n", def.Path, def.Range)
						} else {
							fmt.Println("  no known definition")
						}
						if c.Bool("references") {
							for _, u := range eng.References(sym.ID) {
								fmt.Printf("  %-11s %s:%s\n", u.Role, u.Path, u.Range)
							}
						}
					}
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Index the project and print component counters",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print counters as JSON"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					eng, err := runIndex(c, cfg)
					if err != nil {
						return err
					}
					defer eng.Close()
					return printStatus(eng.Status(), c.Bool("json"))
				},
			},
			{
				Name:  "diagnostics",
				Usage: "Index the project and print per-file diagnostics",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					eng, err := runIndex(c, cfg)
					if err != nil {
						return err
					}
					defer eng.Close()

					total := 0
					for _, path := range eng.Files() {
						for _, d := range eng.Diagnostics(path) {
							total++
							severity := "error"
							if d.Severity == types.SeverityWarning {
								severity = "warning"
							}
							fmt.Printf("%s:%s: %s: %s\n", path, d.Range, severity, d.Message)
						}
					}
					if total == 0 {
						fmt.Println("No diagnostics")
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
