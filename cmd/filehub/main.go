// Package main provides a command-line client for a FileHub server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/store"
	"github.com/fruitsalade/filehub/pkg/client"
)

func main() {
	serverAddr := flag.String("server", client.DefaultAddr, "Server address")
	outDir := flag.String("out", ".", "Destination directory for downloads")
	timeout := flag.Duration("timeout", 60*time.Second, "Timeout per command")
	quiet := flag.Duration("quiet", 300*time.Millisecond, "Idle time that ends the catalog snapshot (for list)")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: *logLevel, Format: "console", OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	cmd := args[0]
	cmdArgs := args[1:]
	if cmd == "help" {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	c, err := client.Dial(dialCtx, *serverAddr, client.Options{})
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", *serverAddr, err)
		os.Exit(1)
	}
	defer c.Close()

	switch cmd {
	case "upload", "put":
		err = cmdUpload(ctx, c, *timeout, *quiet, cmdArgs)
	case "download", "get":
		err = cmdDownload(ctx, c, *timeout, *outDir, *quiet, cmdArgs)
	case "list", "ls":
		err = cmdList(ctx, c, *quiet)
	case "watch":
		err = cmdWatch(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`FileHub CLI

Usage: filehub [flags] <command> [args]

Flags:
  -server <addr>     Server address (default: 127.0.0.1:1111)
  -out <dir>         Destination directory for downloads (default: .)
  -timeout <dur>     Timeout per command (default: 60s)
  -quiet <dur>       Idle time that ends the catalog snapshot (default: 300ms)
  -log-level <lvl>   Log level (default: warn)

Commands:
  upload, put <file...>      Upload local files
  download, get <name...>    Download files into -out
  list, ls                   List the server catalog
  watch                      Print catalog changes as they happen
  help                       Show this help message

Examples:
  filehub upload notes.txt photo.jpg
  filehub -out ./downloads get notes.txt
  filehub -server files.lan:1111 ls
  filehub watch`)
}

func cmdUpload(ctx context.Context, c *client.Client, timeout, quiet time.Duration, files []string) error {
	if len(files) == 0 {
		return errors.New("upload: no files given")
	}

	// Skip the bootstrap snapshot so it is not mistaken for a confirmation.
	waitQuiet(ctx, c, quiet)

	for _, path := range files {
		name, err := store.CleanName(filepath.Base(path))
		if err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		if err := c.Upload(opCtx, path); err != nil {
			cancel()
			return fmt.Errorf("upload %s: %w", path, err)
		}

		// The server confirms a commit by announcing it to every client.
		change, err := waitForChange(opCtx, c, name)
		cancel()
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}

		kind := "new"
		if !change.IsNew {
			kind = "override"
		}
		fmt.Printf("Uploaded %s (%s, %s)\n", name, kind, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func cmdDownload(ctx context.Context, c *client.Client, timeout time.Duration, outDir string, quiet time.Duration, names []string) error {
	if len(names) == 0 {
		return errors.New("download: no filenames given")
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	// Let the bootstrap snapshot arrive so empty files are told apart from
	// missing ones.
	waitQuiet(ctx, c, quiet)

	for _, name := range names {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		path, err := c.Download(opCtx, name, outDir)
		cancel()
		if errors.Is(err, client.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Not found: %s\n", name)
			continue
		}
		if err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
		info, _ := os.Stat(path)
		var size int64
		if info != nil {
			size = info.Size()
		}
		fmt.Printf("Downloaded %s -> %s (%s)\n", name, path, formatSize(size))
	}
	return nil
}

func cmdList(ctx context.Context, c *client.Client, quiet time.Duration) error {
	waitQuiet(ctx, c, quiet)
	if err := c.Err(); err != nil {
		return err
	}

	entries := c.Catalog()
	if len(entries) == 0 {
		fmt.Println("Catalog is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILENAME\tLAST MODIFIED")
	fmt.Fprintln(w, "--------\t-------------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Filename, formatTime(e.Timestamp))
	}
	return w.Flush()
}

func cmdWatch(ctx context.Context, c *client.Client) error {
	fmt.Println("Watching catalog (Ctrl+C to stop)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			kind := "OVERRIDE"
			if change.IsNew {
				kind = "NEW_FILE"
			}
			fmt.Printf("%s  %-8s  %s\n", formatTime(change.Timestamp), kind, change.Filename)
		}
	}
}

// waitQuiet consumes events until none arrive for the given duration.
func waitQuiet(ctx context.Context, c *client.Client, quiet time.Duration) {
	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case _, ok := <-c.Events():
			if !ok {
				return
			}
			timer.Reset(quiet)
		}
	}
}

func waitForChange(ctx context.Context, c *client.Client, name string) (client.CatalogChange, error) {
	for {
		select {
		case <-ctx.Done():
			return client.CatalogChange{}, ctx.Err()
		case change, ok := <-c.Events():
			if !ok {
				return client.CatalogChange{}, c.Err()
			}
			if change.Filename == name {
				return change, nil
			}
		}
	}
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
