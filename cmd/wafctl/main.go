// Command wafctl is a minimal operator CLI that talks to a running WAF
// server over HTTP: no flag framework, a plain os.Args switch, the way
// this codebase's other operator CLIs are shaped.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("WAFCTL_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	apiKey := os.Getenv("WAFCTL_API_KEY")

	switch os.Args[1] {
	case "rules":
		cmdRules(gateway, apiKey)
	case "learner":
		cmdLearner(gateway, apiKey)
	case "health":
		cmdHealth(gateway, apiKey)
	case "version":
		fmt.Printf("wafctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`wafctl v` + version + `

Usage: wafctl <command> [flags]

Commands:
  rules list              List the current rulebook
  rules add                Add a rule (flags below)
  learner run               Force an out-of-band learner tick
  health                    Query /health
  version                   Print version
  help                      Show this help

Environment:
  WAFCTL_GATEWAY_URL   WAF admin base URL (default: http://localhost:8080)
  WAFCTL_API_KEY       Bearer token, if the admin surface requires one

Examples:
  wafctl rules list
  wafctl rules add --pattern "union select" --threat sqli --action block --confidence 0.8
  wafctl learner run
  wafctl health`)
}

func cmdRules(gateway, apiKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: wafctl rules <list|add>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		resp, err := doRequest("GET", gateway+"/admin/rules", nil, apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			os.Exit(1)
		}
		var rb struct {
			Version int `json:"version"`
			Rules   []struct {
				ID         string  `json:"id"`
				Pattern    string  `json:"pattern"`
				ThreatType string  `json:"threat_type"`
				Confidence float64 `json:"confidence"`
				Action     string  `json:"action"`
			} `json:"rules"`
		}
		if err := json.Unmarshal(resp, &rb); err != nil {
			fmt.Fprintf(os.Stderr, "decode failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rulebook version %d (%d rules)\n", rb.Version, len(rb.Rules))
		fmt.Printf("%-36s %-10s %-20s %-8s %s\n", "ID", "ACTION", "THREAT", "CONF", "PATTERN")
		for _, r := range rb.Rules {
			fmt.Printf("%-36s %-10s %-20s %-8.2f %s\n", r.ID, r.Action, r.ThreatType, r.Confidence, r.Pattern)
		}

	case "add":
		var pattern, threat, action, description string
		confidence := 0.5
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--pattern":
				i++
				if i < len(args) {
					pattern = args[i]
				}
			case "--threat":
				i++
				if i < len(args) {
					threat = args[i]
				}
			case "--action":
				i++
				if i < len(args) {
					action = args[i]
				}
			case "--confidence":
				i++
				if i < len(args) {
					fmt.Sscanf(args[i], "%f", &confidence)
				}
			case "--description":
				i++
				if i < len(args) {
					description = args[i]
				}
			}
		}
		if pattern == "" || threat == "" || action == "" {
			fmt.Fprintln(os.Stderr, "Usage: wafctl rules add --pattern <p> --threat <t> --action <allow|flag|block> [--confidence 0.5] [--description text]")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]interface{}{
			"pattern":     pattern,
			"threat_type": threat,
			"action":      action,
			"confidence":  confidence,
			"description": description,
			"created_by":  "human",
		})
		if _, err := doRequest("POST", gateway+"/admin/rules", body, apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("rule added")

	default:
		fmt.Fprintln(os.Stderr, "Usage: wafctl rules <list|add>")
		os.Exit(1)
	}
}

func cmdLearner(gateway, apiKey string) {
	if len(os.Args) < 3 || os.Args[2] != "run" {
		fmt.Fprintln(os.Stderr, "Usage: wafctl learner run")
		os.Exit(1)
	}
	if _, err := doRequest("POST", gateway+"/admin/learner/run", nil, apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("learner tick requested")
}

func cmdHealth(gateway, apiKey string) {
	resp, err := doRequest("GET", gateway+"/health", nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	var out map[string]interface{}
	json.Unmarshal(resp, &out)
	fmt.Printf("ok=%v rulebook=%v llm=%v\n", out["ok"], out["rulebook"], out["llm"])
}

func doRequest(method, url string, body []byte, apiKey string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
