package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// apiClient calls the daemon's action API.
type apiClient struct {
	rc *resty.Client
}

// apiFailure is the {"success":false,"error":...} document returned on failed actions.
type apiFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func newAPIClient(addr, adminToken string) *apiClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(addr, "/")).
		SetTimeout(60*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			// the login redirect is the answer
			return http.ErrUseLastResponse
		}))
	if adminToken != "" {
		rc.SetHeader("X-Admin-Token", adminToken)
	}
	return &apiClient{rc: rc}
}

// action posts one command message and decodes the reply into out (may be nil).
func (c *apiClient) action(name string, out any) error {
	return c.do(http.MethodPost, "/messages", map[string]string{"action": name}, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	req := c.rc.R()
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return responseError(resp)
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// loginURL asks the daemon for the Twitch authorize URL without following the redirect.
func (c *apiClient) loginURL(returnTo string) (string, error) {
	req := c.rc.R()
	if returnTo != "" {
		req.SetQueryParam("return_to", returnTo)
	}
	resp, err := req.Get("/auth/twitch/start")
	if err != nil {
		return "", fmt.Errorf("GET /auth/twitch/start: %w", err)
	}
	if resp.StatusCode() != http.StatusFound {
		return "", responseError(resp)
	}
	return resp.Header().Get("Location"), nil
}

func responseError(resp *resty.Response) error {
	var f apiFailure
	if err := json.Unmarshal(resp.Body(), &f); err == nil && f.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", f.Error, resp.StatusCode())
	}
	msg := strings.TrimSpace(string(resp.Body()))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return errors.New(msg + fmt.Sprintf(" (HTTP %d)", resp.StatusCode()))
}
