// Command adminctl is a thin flag-based CLI for exercising the gateway's
// admin REST surface from an operator's shell: setting the global
// provider, checking stream status, reading an API key's usage, and
// reviewing and unblocking abuse flags. It does not create API keys. It is an operational tool, not part of the served core.
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
	"time"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *client) do(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-admin-token", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(raw))
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some routes (list endpoints) return an array rather than an
		// object; print the raw payload verbatim in that case.
		fmt.Println(string(raw))
		return nil, nil
	}
	return out, nil
}

func main() {
	addr := flag.String("addr", "http://localhost:8081", "admin server base URL")
	token := flag.String("token", os.Getenv("ADMIN_TOKEN"), "admin token, sent as the x-admin-token header")
	cmd := flag.String("cmd", "", "command: health, provider, stream-status, usage, abuse-list, abuse-unblock")
	provider := flag.String("provider", "", "provider name for the 'provider' command (F or V)")
	key := flag.String("key", "", "api key for 'usage' and 'abuse-unblock'")
	flag.Parse()

	if *token == "" {
		log.Fatal("adminctl: -token or ADMIN_TOKEN is required")
	}
	c := &client{baseURL: *addr, token: *token, http: &http.Client{Timeout: 10 * time.Second}}

	var out map[string]any
	var err error

	switch *cmd {
	case "health":
		out, err = c.do(http.MethodGet, "/health/detailed", nil)
	case "provider":
		if *provider == "" {
			log.Fatal("adminctl: -provider is required for the 'provider' command")
		}
		out, err = c.do(http.MethodPost, "/admin/provider/global", map[string]string{"provider": *provider})
	case "stream-status":
		out, err = c.do(http.MethodGet, "/admin/stream/status", nil)
	case "usage":
		if *key == "" {
			log.Fatal("adminctl: -key is required for the 'usage' command")
		}
		out, err = c.do(http.MethodGet, "/admin/apikeys/"+*key+"/usage", nil)
	case "abuse-list":
		out, err = c.do(http.MethodGet, "/admin/abuse/flags", nil)
	case "abuse-unblock":
		if *key == "" {
			log.Fatal("adminctl: -key is required for the 'abuse-unblock' command")
		}
		out, err = c.do(http.MethodPost, "/admin/abuse/flags/unblock", map[string]string{"key": *key})
	default:
		log.Fatalf("adminctl: unknown -cmd %q", *cmd)
	}

	if err != nil {
		log.Fatalf("adminctl: %v", err)
	}
	if out != nil {
		pretty, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(pretty))
	}
}
