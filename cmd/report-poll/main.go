package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autolens/autolens-api/internal/pkg/logger"
	"github.com/autolens/autolens-api/internal/pkg/poller"
)

// report-poll watches a single analysis report until it reaches a
// terminal state. Exit codes: 0 completed, 1 failed or missing,
// 2 timed out, 3 usage error.
func main() {
	var (
		baseURL  = flag.String("base-url", envOr("AUTOLENS_BASE_URL", "http://localhost:8080"), "API base URL")
		token    = flag.String("token", os.Getenv("AUTOLENS_TOKEN"), "bearer token")
		interval = flag.Duration("interval", 2*time.Second, "poll interval")
		timeout  = flag.Duration("timeout", 60*time.Second, "overall deadline")
		retries  = flag.Int("retries", 0, "extra timeout windows before giving up")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger.Init(logger.Config{Level: *level, Environment: "development"})

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <report-id>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(3)
	}
	reportID := flag.Arg(0)
	if *token == "" {
		fmt.Fprintln(os.Stderr, "missing token: set -token or AUTOLENS_TOKEN")
		os.Exit(3)
	}

	fetcher := poller.NewHTTPFetcher(*baseURL, *token, *interval*2)

	exitCode := 2
	retryRequested := false

	remaining := *retries
	p := poller.New(fetcher, reportID, poller.Options{
		Interval: *interval,
		Timeout:  *timeout,
	}, poller.Callbacks{
		OnCompleted: func(s *poller.Status) {
			log.Info().
				Str("report_id", s.ID).
				RawJSON("data", nonEmpty(s.Data)).
				Msg("Analysis completed")
			exitCode = 0
		},
		OnFailed: func(s *poller.Status) {
			log.Error().
				Str("report_id", s.ID).
				Str("reason", s.FailedReason).
				Str("refund_status", s.RefundStatus).
				Str("error", s.Error).
				Msg("Analysis failed")
			exitCode = 1
		},
		OnTimeout: func() {
			if remaining > 0 {
				remaining--
				log.Warn().
					Str("report_id", reportID).
					Int("retries_left", remaining).
					Msg("Deadline reached, extending poll window")
				retryRequested = true
				return
			}
			log.Error().Str("report_id", reportID).Msg("Polling timed out")
		},
		OnError: func(err error) {
			log.Warn().Err(err).Msg("Poll attempt failed, will retry")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	log.Info().
		Str("report_id", reportID).
		Dur("interval", *interval).
		Dur("timeout", *timeout).
		Msg("Polling report status")

	for {
		retryRequested = false
		p.Start(ctx)
		if retryRequested && ctx.Err() == nil {
			p.Retry()
			continue
		}
		break
	}
	os.Exit(exitCode)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func nonEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
