// bifrost-sync pushes a local workspace to the platform's file API.
// Exit codes: 0 on success, 1 when writes were blocked by pending
// deactivations, 2 on transport or server errors.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var skipDirs = map[string]bool{
	"__pycache__": true,
	".git":        true,
	".bifrost":    true,
}

type blockedResponse struct {
	Path    string `json:"path"`
	Pending []struct {
		Name           string `json:"name"`
		FunctionSymbol string `json:"function_symbol"`
	} `json:"pending"`
	Replacements []struct {
		FunctionSymbol string  `json:"function_symbol"`
		Similarity     float64 `json:"similarity"`
	} `json:"replacements"`
}

func main() {
	dir := flag.String("dir", ".", "local workspace to sync")
	server := flag.String("server", "http://localhost:8080", "bifrost server URL")
	force := flag.Bool("force", false, "push through pending deactivations")
	user := flag.String("user", "", "user id reported with writes")
	flag.Parse()

	log.SetFlags(0)

	root, err := filepath.Abs(*dir)
	if err != nil {
		log.Printf("error: %v", err)
		os.Exit(2)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	conflicts := 0
	failures := 0
	pushed := 0

	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		base := filepath.Base(p)
		if info.IsDir() {
			if skipDirs[base] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(base, ".pyc") || strings.HasSuffix(base, ".swp") || base == ".DS_Store" {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		switch pushFile(client, *server, rel, data, *user, *force) {
		case http.StatusOK:
			pushed++
			log.Printf("  ok       %s", rel)
		case http.StatusConflict:
			conflicts++
		default:
			failures++
		}
		return nil
	})
	if err != nil {
		log.Printf("error: %v", err)
		os.Exit(2)
	}

	log.Printf("Synced %d files (%d conflicts, %d failures)", pushed, conflicts, failures)
	switch {
	case failures > 0:
		os.Exit(2)
	case conflicts > 0:
		os.Exit(1)
	}
}

func pushFile(client *http.Client, server, rel string, data []byte, user string, force bool) int {
	url := server + "/api/v1/files/" + rel
	if force {
		url += "?force=true"
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		log.Printf("  error    %s: %v", rel, err)
		return 0
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("  error    %s: %v", rel, err)
		return 0
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return http.StatusOK
	case http.StatusConflict:
		var blocked blockedResponse
		if json.Unmarshal(body, &blocked) == nil {
			log.Printf("  conflict %s", rel)
			for _, p := range blocked.Pending {
				log.Printf("           would deactivate %s (%s)", p.Name, p.FunctionSymbol)
			}
			for _, r := range blocked.Replacements {
				log.Printf("           candidate replacement %s (similarity %.2f)", r.FunctionSymbol, r.Similarity)
			}
			fmt.Fprintln(os.Stderr, "           rerun with -force to push through, or supply replacements via the API")
		} else {
			log.Printf("  conflict %s: %s", rel, strings.TrimSpace(string(body)))
		}
		return http.StatusConflict
	default:
		log.Printf("  error    %s: HTTP %d: %s", rel, resp.StatusCode, strings.TrimSpace(string(body)))
		return resp.StatusCode
	}
}
