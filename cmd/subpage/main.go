// Package main は生成リクエストを投入し、完了を待って TSX を書き出す CLI です。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/yourusername/subpage-forge/internal/config"
	"github.com/yourusername/subpage-forge/internal/jobs"
	"github.com/yourusername/subpage-forge/internal/poller"
	"github.com/yourusername/subpage-forge/internal/storage"
	"github.com/yourusername/subpage-forge/internal/transcode"
)

func main() {
	// .env は任意
	_ = godotenv.Load()

	profilePath := flag.String("config", os.Getenv("SUBPAGE_PROFILE"), "TOML client profile")
	baseURL := flag.String("base-url", "", "API base URL (overrides profile)")
	outDir := flag.String("out", "", "output directory for TSX files (overrides profile)")
	domain := flag.String("domain", "", "target domain")
	branche := flag.String("branche", "", "industry of the target site")
	description := flag.String("description", "", "short description of the company")
	cities := flag.String("cities", "", `comma separated cities, "Name" or "Name:Postcode"`)
	jobID := flag.String("job", "", "poll an existing job instead of submitting")
	flag.Parse()

	if *domain == "" && *jobID == "" {
		fmt.Println("Usage: subpage -domain <domain> -cities <list> [-config profile.toml] [-out dir]")
		fmt.Println("       subpage -job <job_id> [-config profile.toml] [-out dir]")
		fmt.Println("\nExample:")
		fmt.Println(`  subpage -domain https://www.example.de -branche IT -cities "Köln:50667,Bad Homburg:61348"`)
		os.Exit(1)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	profile, err := config.LoadClient(*profilePath)
	if err != nil {
		logger.Fatalf("Failed to load profile: %v", err)
	}
	if *baseURL != "" {
		profile.BaseURL = *baseURL
	}
	if *outDir != "" {
		profile.OutDir = *outDir
	}

	exporter, err := storage.NewLocalExporter(profile.OutDir)
	if err != nil {
		logger.Fatalf("Failed to prepare output directory: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := poller.NewAPIClient(profile.BaseURL, profile.RequestTimeout.Duration)

	id := *jobID
	if id == "" {
		req := jobs.Request{
			Domain:      *domain,
			Branche:     *branche,
			Description: *description,
			Cities:      parseCities(*cities),
		}
		resp, err := client.Submit(ctx, req)
		switch {
		case errors.Is(err, jobs.ErrTransientDispatch):
			logger.Printf("Job %s stored but dispatch failed: %v", resp.JobID, err)
			os.Exit(1)
		case err != nil:
			logger.Fatalf("Submit failed: %v", err)
		}
		if resp.Error != "" {
			logger.Printf("Job %s stored with error: %s", resp.JobID, resp.Error)
		}
		if !resp.Dispatched {
			logger.Printf("Job %s has no pending cities; nothing to wait for", resp.JobID)
			os.Exit(1)
		}
		id = resp.JobID
		logger.Printf("Submitted job %s (%d cities)", id, len(resp.Cities))
	}

	x := &export{exporter: exporter, transcoder: profile.Transcoder(), logger: logger}
	p := poller.New(client, profile.PollerConfig(), logger)
	run := p.Start(ctx, id, poller.Handlers{
		OnPending: func(attempt int, obs *poller.Observation) {
			done := 0
			for _, c := range obs.Cities {
				if c.Status == string(jobs.CityCompleted) {
					done++
				}
			}
			logger.Printf("Waiting for job %s: attempt %d, %d/%d cities ready", id, attempt, done, len(obs.Cities))
		},
		OnReady: func(o poller.Outcome) {
			logger.Printf("Job %s is ready, waiting for the engine to settle", id)
		},
		OnSettled: func(o poller.Outcome) {
			x.save(ctx, o)
		},
		OnFailure: func(o poller.Outcome) {
			logger.Printf("Job %s failed: %s", id, o.Message)
			x.save(ctx, o)
		},
		OnTimeout: func(o poller.Outcome) {
			logger.Printf("Job %s: %s", id, o.Message)
		},
	})

	outcome, err := run.Wait(ctx)
	if err != nil || outcome.Kind == poller.OutcomeCanceled {
		logger.Println("Canceled")
		os.Exit(130)
	}

	fmt.Println("\n=== Job Summary ===")
	fmt.Printf("Job ID:   %s\n", id)
	fmt.Printf("Outcome:  %s\n", outcome.Kind)
	fmt.Printf("Attempts: %d\n", outcome.Attempts)
	for _, path := range x.paths {
		fmt.Printf("Saved:    %s\n", path)
	}
	if outcome.Kind != poller.OutcomeSuccess || x.failed {
		os.Exit(1)
	}
}

// parseCities は "Köln:50667,Ulm" 形式を CityInput に変換します。
func parseCities(raw string) []jobs.CityInput {
	var out []jobs.CityInput
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, postcode, _ := strings.Cut(part, ":")
		out = append(out, jobs.CityInput{Name: strings.TrimSpace(name), Postcode: strings.TrimSpace(postcode)})
	}
	return out
}

type export struct {
	exporter   *storage.LocalExporter
	transcoder *transcode.Transcoder
	logger     *log.Logger
	paths      []string
	failed     bool
}

// save は完了済みの都市を TSX に変換して書き出します。
func (x *export) save(ctx context.Context, o poller.Outcome) {
	if o.Observation == nil || o.Observation.Data == nil {
		return
	}
	data := o.Observation.Data
	names := fileNames(data.Cities)
	for _, c := range data.Cities {
		if c.Status != jobs.CityCompleted || c.GeneratedHTML == "" {
			continue
		}
		tsx := x.transcoder.Transcode(c.GeneratedHTML, c.Name, data.Domain)
		path, err := x.exporter.Save(ctx, data.JobID, names[c.SubpageID], []byte(tsx))
		if err != nil {
			x.logger.Printf("Failed to save %s: %v", c.SubpageID, err)
			x.failed = true
			continue
		}
		x.paths = append(x.paths, path)
	}
}

// fileNames は subpage_id ごとの出力ファイル名を返します。
// 同名の都市が複数ある場合は郵便番号を付けて区別します。
func fileNames(cities []jobs.CityView) map[string]string {
	count := make(map[string]int, len(cities))
	for _, c := range cities {
		count[strings.ToLower(c.Name)]++
	}
	names := make(map[string]string, len(cities))
	for _, c := range cities {
		name := c.Name
		if count[strings.ToLower(c.Name)] > 1 {
			name += " " + c.Postcode
		}
		names[c.SubpageID] = transcode.FileName(name)
	}
	return names
}
