package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/theroutercompany/crop_advisor/internal/openapi"
)

type fragmentList []string

func (f *fragmentList) String() string { return strings.Join(*f, ",") }

func (f *fragmentList) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	outPath := flag.String("out", "dist/openapi.json", "Path to write the OpenAPI document")
	version := flag.String("version", os.Getenv("GIT_SHA"), "Version recorded in info.version")
	var fragments fragmentList
	flag.Var(&fragments, "fragment", "Additional OpenAPI fragment to merge (repeatable)")
	flag.Parse()

	svc := openapi.NewService(openapi.WithVersion(*version), openapi.WithFragments(fragments...))

	doc, err := svc.Document(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "openapi build failed: %v\n", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(*outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create output directory: %v\n", err)
			os.Exit(1)
		}
	}
	if err := os.WriteFile(*outPath, doc, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write document: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "OpenAPI document written to %s\n", *outPath)
}
