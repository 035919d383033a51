package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"research_agent/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
	// research has no timeout; a run blocks until the report is written.
	research *http.Client
}

func newClient(addr string) *client {
	return &client{
		baseURL:  strings.TrimRight(addr, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
		research: &http.Client{},
	}
}

type researchRequest struct {
	ProjectID string `json:"project_id"`
	Topic     string `json:"topic"`
	Goal      string `json:"goal"`
}

type researchOutcome struct {
	ProjectID string            `json:"project_id"`
	Tasks     []domain.TaskSpec `json:"tasks"`
	Batches   []json.RawMessage `json:"batches"`
	Report    string            `json:"report"`
	Error     string            `json:"error"`
}

type memorySnapshot struct {
	Context string               `json:"context"`
	Entries []domain.MemoryEntry `json:"entries"`
}

func (c *client) startResearch(req researchRequest) (researchOutcome, error) {
	var out researchOutcome
	if err := c.postJSON(c.research, "/research", req, &out); err != nil {
		return researchOutcome{}, err
	}
	return out, nil
}

func (c *client) listProjectTasks(projectID string) ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON(fmt.Sprintf("/projects/%s/tasks", url.PathEscape(projectID)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) projectMemory(projectID string, limit int) (memorySnapshot, error) {
	var out memorySnapshot
	if err := c.getJSON(fmt.Sprintf("/projects/%s/memory?limit=%d", url.PathEscape(projectID), limit), &out); err != nil {
		return memorySnapshot{}, err
	}
	return out, nil
}

func (c *client) listProjectDecisions(projectID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/projects/%s/decisions?limit=%d", url.PathEscape(projectID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(httpClient *http.Client, path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}
