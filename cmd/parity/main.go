package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/theroutercompany/crop_advisor/internal/parity"
)

func main() {
	configPath := flag.String("config", "parity.yaml", "Path to parity configuration")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall time budget for the session")
	flag.Parse()

	cfg, err := parity.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	fixtures, err := parity.LoadFixtures(cfg.Fixtures)
	if err != nil {
		log.Fatalf("load fixtures: %v", err)
	}

	runner := parity.Runner{
		Config: cfg,
		Normalizers: []func([]byte) []byte{
			parity.StripJSONKeys("requestId", "traceId", "checkedAt"),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := runner.Run(ctx, fixtures)

	var diffCount int
	for _, result := range results {
		if result.Err != nil {
			diffCount++
			fmt.Printf("[%s] error: %v\n", result.Fixture.Name, result.Err)
			continue
		}
		if !result.Mismatch() {
			continue
		}

		diffCount++
		fmt.Printf("[%s] status reference=%d candidate=%d\n", result.Fixture.Name, result.ReferenceStatus, result.CandidateStatus)
		if want := result.Fixture.ExpectCrop; want != "" && want != result.CandidateCrop {
			fmt.Printf("[%s] expected crop %q, candidate answered %q\n", result.Fixture.Name, want, result.CandidateCrop)
		}
		if result.BodyDiff != "" {
			fmt.Println(result.BodyDiff)
		}
	}

	fmt.Printf("Processed %d fixtures, %d diffs found\n", len(results), diffCount)
	if diffCount > 0 {
		os.Exit(1)
	}
}
