package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/ParamHarvest/internal/progress"
	"github.com/PentesterFlow/ParamHarvest/internal/queue"
	"github.com/PentesterFlow/ParamHarvest/internal/shutdown"
	"github.com/PentesterFlow/ParamHarvest/internal/traffic"
	"github.com/PentesterFlow/ParamHarvest/pkg/harvester"
)

var defaultExtensions = []string{".js", ".mjs", ".cjs", ".jsx", ".ts", ".html", ".htm"}

func runScan(cmd *cobra.Command, args []string) error {
	engine, err := openEngine(cmd)
	if err != nil {
		return err
	}

	files, err := collectFiles(args, scanExtension)
	if err != nil {
		engine.Close()
		return err
	}
	if len(files) == 0 {
		engine.Close()
		return fmt.Errorf("no files with extensions %s found", strings.Join(scanExtension, ","))
	}

	h := shutdown.NewDefault()
	h.RegisterServer("engine", engine)

	// Workers run on their own context so Shutdown can drain the queue.
	if err := engine.Start(context.Background()); err != nil {
		h.Shutdown()
		return err
	}

	// Signals end the scan early; the engine drains within the shutdown timeout and saves.
	scanDone, finish := context.WithCancel(context.Background())
	go h.Wait(scanDone)

	display := progress.New(os.Stderr)
	if noProgress || verbose || debug {
		display.SetEnabled(false)
	}
	h.RegisterFunc("progress", display.Stop)
	display.Start(len(files))
	scanFiles(h.Context(), engine, files, display)
	display.Stop()

	finish()
	result := h.Shutdown()
	for _, err := range result.Errors {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	display.PrintSummary(os.Stderr)

	if outputFile != "" || outputFormat != "" {
		w, err := openOutput()
		if err != nil {
			return err
		}
		defer w.Close()
		if err := writeReport(w, engine); err != nil {
			return err
		}
	}
	if result.HasErrors() {
		return fmt.Errorf("shutdown finished with %d errors", len(result.Errors))
	}
	return nil
}

// collectFiles expands directories and keeps files with a listed extension.
// Explicit file arguments are kept regardless of extension.
func collectFiles(paths []string, exts []string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		want[ext] = true
	}

	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
					return filepath.SkipDir
				}
				return nil
			}
			if want[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func scanFiles(ctx context.Context, engine *harvester.Engine, files []string, display *progress.Display) {
	config := engine.Config()
	limit := int64(config.MaxBodyMB) << 20
	log := engine.Logger().WithComponent("scan")

	paths := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range paths {
				scanFile(ctx, engine, path, limit, display, log)
			}
		}()
	}

	for _, path := range files {
		select {
		case paths <- path:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(paths)
	wg.Wait()
}

type fileLogger interface {
	Debugf(format string, args ...interface{})
}

func scanFile(ctx context.Context, engine *harvester.Engine, path string, limit int64, display *progress.Display, log fileLogger) {
	info, err := os.Stat(path)
	if err != nil {
		display.FileFailed()
		return
	}
	if info.Size() > limit {
		log.Debugf("skipping %s: %d bytes", path, info.Size())
		display.FileDone(0, 0, true)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		display.FileFailed()
		return
	}

	origin := fileOrigin(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		res := engine.SubmitTraffic(traffic.Exchange{
			URL:             origin,
			Method:          http.MethodGet,
			Status:          http.StatusOK,
			ResponseHeaders: http.Header{"Content-Type": []string{"text/html"}},
			ResponseBody:    string(data),
		})
		display.FileDone(0, res.Parameters, res.Scripts == 0 && res.Parameters == 0)
	default:
		res, err := engine.Process(ctx, queue.Job{Origin: origin, Body: string(data), InScopeHint: true})
		if err != nil {
			display.FileFailed()
			return
		}
		display.FileDone(res.Created, res.Parameters, res.Skipped != "")
	}
}

// fileOrigin names a file by its absolute file:// URL.
func fileOrigin(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}
