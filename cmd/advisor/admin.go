package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/theroutercompany/crop_advisor/pkg/advisor/problem"
)

func adminCommand(args []string) error {
	subcommand := "status"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcommand = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("admin "+subcommand, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:9090", "Base URL for the admin server")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "Bearer token for admin requests")
	timeout := fs.Duration("timeout", 5*time.Second, "HTTP request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*baseURL, "/")

	switch subcommand {
	case "status":
		return adminCall(client, http.MethodGet, base+"/__admin/status", *token, http.StatusOK)
	case "config":
		return adminCall(client, http.MethodGet, base+"/__admin/config", *token, http.StatusOK)
	case "reload":
		return adminCall(client, http.MethodPost, base+"/__admin/reload", *token, http.StatusAccepted)
	default:
		return fmt.Errorf("unknown admin subcommand %q", subcommand)
	}
}

func adminCall(client *http.Client, method, url, token string, want int) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		if p, ok := problem.Parse(resp.Header.Get("Content-Type"), body); ok {
			return fmt.Errorf("admin request refused: %w", p)
		}
		return fmt.Errorf("admin request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, bytes.TrimSpace(body), "", "  ") == nil {
		fmt.Println(pretty.String())
		return nil
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
