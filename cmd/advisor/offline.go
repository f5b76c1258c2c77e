package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/theroutercompany/crop_advisor/internal/artifact"
	"github.com/theroutercompany/crop_advisor/internal/predict"
	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
	pkglog "github.com/theroutercompany/crop_advisor/pkg/log"
)

var (
	errArtifactsUnavailable = errors.New("artifacts unavailable")
	errPredictionFailed     = errors.New("prediction failed")
)

// loadBundle reads configuration and loads the artifacts with a logger built from it.
func loadBundle(opts []advisorconfig.Option) (advisorconfig.Config, *artifact.Bundle, func(), error) {
	cfg, err := advisorconfig.Load(opts...)
	if err != nil {
		return advisorconfig.Config{}, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, syncLog, err := pkglog.New(cfg.Log.Options())
	if err != nil {
		return advisorconfig.Config{}, nil, nil, fmt.Errorf("build logger: %w", err)
	}

	bundle := artifact.Load(cfg.Artifacts.Options(), logger)
	release := func() {
		bundle.Close()
		_ = syncLog()
	}
	return cfg, bundle, release, nil
}

func inspectCommand(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cfgArgs := configFlags(fs)
	asJSON := fs.Bool("json", false, "Print the artifact status as JSON")
	strict := fs.Bool("strict", false, "Exit non-zero when artifacts are unavailable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, bundle, release, err := loadBundle(cfgArgs.options())
	if err != nil {
		return err
	}
	defer release()

	if err := writeInspection(os.Stdout, cfg, bundle, *asJSON); err != nil {
		return err
	}
	if *strict && !bundle.Available() {
		return errArtifactsUnavailable
	}
	return nil
}

func writeInspection(w io.Writer, cfg advisorconfig.Config, bundle *artifact.Bundle, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"dir":       cfg.Artifacts.Dir,
			"available": bundle.Available(),
			"artifacts": bundle.Statuses(),
		})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tPATH\tLOADED\tERROR")
	for _, st := range bundle.Statuses() {
		errText := st.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", st.Name, st.Path, st.Loaded, errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "available: %t\n", bundle.Available())
	return nil
}

func predictCommand(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	cfgArgs := configFlags(fs)
	input := fs.String("input", "", "Path to a JSON request body (\"-\" reads stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body, err := readRequestBody(*input, fs.Args(), os.Stdin)
	if err != nil {
		return err
	}

	cfg, bundle, release, err := loadBundle(cfgArgs.options())
	if err != nil {
		return err
	}
	defer release()

	model, scaler, encoder := cfg.Artifacts.Options().FileNames()
	predictor := predict.New(bundle, model, scaler, encoder)

	rec, recErr := predictor.Recommend(body)
	if err := json.NewEncoder(os.Stdout).Encode(predict.NewResponse(rec, recErr)); err != nil {
		return err
	}
	if recErr != nil {
		return errPredictionFailed
	}
	return nil
}

// readRequestBody takes the body from --input, else the first positional argument.
func readRequestBody(input string, positional []string, stdin io.Reader) ([]byte, error) {
	input = strings.TrimSpace(input)
	switch {
	case input == "-":
		return io.ReadAll(stdin)
	case input != "":
		data, err := os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return data, nil
	case len(positional) > 0:
		return []byte(positional[0]), nil
	default:
		return nil, errors.New("a JSON request body is required (argument or --input)")
	}
}
