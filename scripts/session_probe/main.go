// Command session_probe runs a live end-to-end check of the session
// lifecycle against a running instance: login, refresh, replay the old
// token, list sessions, and logout. It exits non-zero when any step
// deviates from the expected behavior, so it can gate deployments.
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
)

type step struct {
	Name     string
	Status   int
	Expected int
	Duration time.Duration
	Err      error
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func main() {
	var (
		base     string
		prefix   string
		email    string
		password string
		timeout  time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&prefix, "prefix", "/api/v1", "API route prefix")
	flag.StringVar(&email, "email", "", "probe account email")
	flag.StringVar(&password, "password", "", "probe account password")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "both -email and -password are required")
		os.Exit(2)
	}

	client := &http.Client{Timeout: timeout}
	root := strings.TrimRight(base, "/") + prefix

	var steps []step

	loginBody := fmt.Sprintf(`{"email":%q,"password":%q}`, email, password)
	loginStep, pair := callForPair(client, "login", root+"/auth/login", loginBody, "", http.StatusOK)
	steps = append(steps, loginStep)

	var rotated tokenPair
	if loginStep.Err == nil {
		refreshBody := fmt.Sprintf(`{"refresh_token":%q}`, pair.RefreshToken)
		var refreshStep step
		refreshStep, rotated = callForPair(client, "refresh", root+"/auth/refresh", refreshBody, "", http.StatusOK)
		steps = append(steps, refreshStep)

		// Presenting the pre-rotation token again must be rejected.
		replayStep, _ := callForPair(client, "replay old token", root+"/auth/refresh", refreshBody, "", http.StatusUnauthorized)
		steps = append(steps, replayStep)
	}

	if rotated.AccessToken != "" {
		steps = append(steps, call(client, "list sessions", http.MethodGet, root+"/auth/sessions", "", rotated.AccessToken, http.StatusOK))

		logoutBody := fmt.Sprintf(`{"refresh_token":%q}`, rotated.RefreshToken)
		steps = append(steps, call(client, "logout", http.MethodPost, root+"/auth/logout", logoutBody, rotated.AccessToken, http.StatusNoContent))
		steps = append(steps, call(client, "repeat logout", http.MethodPost, root+"/auth/logout", logoutBody, rotated.AccessToken, http.StatusNoContent))

		// The logged-out refresh token must no longer rotate.
		refreshBody := fmt.Sprintf(`{"refresh_token":%q}`, rotated.RefreshToken)
		revokedStep, _ := callForPair(client, "refresh after logout", root+"/auth/refresh", refreshBody, "", http.StatusUnauthorized)
		steps = append(steps, revokedStep)
	}

	failed := printReport(steps)
	if failed > 0 {
		os.Exit(1)
	}
}

func call(client *http.Client, name, method, url, body, bearer string, expected int) step {
	s := step{Name: name, Expected: expected}

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		s.Err = err
		return s
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := client.Do(req)
	s.Duration = time.Since(start)
	if err != nil {
		s.Err = err
		return s
	}
	defer resp.Body.Close()

	s.Status = resp.StatusCode
	if s.Status != expected {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.Err = fmt.Errorf("expected %d, got %d: %s", expected, s.Status, strings.TrimSpace(string(payload)))
	}
	return s
}

func callForPair(client *http.Client, name, url, body string, bearer string, expected int) (step, tokenPair) {
	var pair tokenPair
	s := step{Name: name, Expected: expected}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		s.Err = err
		return s, pair
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := client.Do(req)
	s.Duration = time.Since(start)
	if err != nil {
		s.Err = err
		return s, pair
	}
	defer resp.Body.Close()

	s.Status = resp.StatusCode
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		s.Err = fmt.Errorf("read body: %w", err)
		return s, pair
	}
	if s.Status != expected {
		s.Err = fmt.Errorf("expected %d, got %d: %s", expected, s.Status, strings.TrimSpace(string(payload)))
		return s, pair
	}

	if expected == http.StatusOK {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.Err = fmt.Errorf("decode envelope: %w", err)
			return s, pair
		}
		if err := json.Unmarshal(env.Data, &pair); err != nil {
			s.Err = fmt.Errorf("decode token pair: %w", err)
			return s, pair
		}
		if pair.RefreshToken == "" {
			s.Err = fmt.Errorf("no refresh token in response")
		}
	}
	return s, pair
}

func printReport(steps []step) int {
	fmt.Println("Session Lifecycle Probe")
	fmt.Println("=======================")
	failed := 0
	for _, s := range steps {
		status := "OK"
		if s.Err != nil {
			status = "FAIL"
			failed++
		}
		fmt.Printf("[%s] %s\n", status, s.Name)
		fmt.Printf("  Status: %d (want %d) in %s\n", s.Status, s.Expected, s.Duration)
		if s.Err != nil {
			fmt.Printf("  Error: %v\n", s.Err)
		}
	}
	fmt.Printf("Failed steps: %d\n", failed)
	return failed
}
