// Package labhttp is a reference Provisioner backed by an HTTP lab service:
// a Repave/GetJobStatus request/response shape over
// http.NewRequestWithContext, talking to a minimal fixture backend. It is a
// demo/test fixture exercising the Provisioner capability, not a
// production-grade implementation.
package labhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/query"
)

// repaveRequest/repaveResponse/jobStatus are the lab service's wire shapes.
type repaveRequest struct {
	Hostname string `json:"hostname"`
}

type repaveResponse struct {
	JobID string `json:"job_id"`
}

type jobStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Provisioner talks to a lab service over HTTP.
type Provisioner struct {
	name       string
	baseURL    string
	httpClient *http.Client
	costSecs   float64
}

// New returns a labhttp Provisioner named name, backed by baseURL.
func New(name, baseURL string) *Provisioner {
	return &Provisioner{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		costSecs:   180,
	}
}

func (p *Provisioner) Name() string { return p.name }

func (p *Provisioner) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "provisioner", Module: p.name, Name: "system-type", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone)},
	}
}

// Available is cheap and must not fail; validation errors become false
// rather than propagating.
func (p *Provisioner) Available(q *query.Query) bool {
	return p.baseURL != ""
}

func (p *Provisioner) Cost(q *query.Query) float64 { return p.costSecs }

func (p *Provisioner) Provision(ctx context.Context, machines []*model.Machine, q *query.Query) error {
	for _, m := range machines {
		jobID, err := p.submitRepave(ctx, m)
		if err != nil {
			return fmt.Errorf("labhttp: submit repave for %s: %w", m.Magic, err)
		}
		m.Meta["meta."+p.name+"-job-id"] = model.String(jobID)
		if err := p.awaitDone(ctx, jobID); err != nil {
			return fmt.Errorf("labhttp: await repave for %s: %w", m.Magic, err)
		}
		m.Hostname = fmt.Sprintf("%s.lab.example.com", jobID)
		m.StartTime = time.Now()
	}
	return nil
}

// Resume re-attaches using the job id stashed in Meta.
func (p *Provisioner) Resume(ctx context.Context, machines []*model.Machine, q *query.Query) error {
	for _, m := range machines {
		jobIDV, ok := m.Meta["meta."+p.name+"-job-id"]
		if !ok {
			return fmt.Errorf("labhttp: resume for %s has no prior job id", m.Magic)
		}
		if err := p.awaitDone(ctx, jobIDV.Str); err != nil {
			return fmt.Errorf("labhttp: resume await for %s: %w", m.Magic, err)
		}
		if m.Hostname == "" {
			m.Hostname = fmt.Sprintf("%s.lab.example.com", jobIDV.Str)
		}
	}
	return nil
}

func (p *Provisioner) Teardown(ctx context.Context, machines []*model.Machine, q *query.Query) error {
	for _, m := range machines {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/teardown", bytes.NewReader(mustJSON(repaveRequest{Hostname: m.Hostname})))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("labhttp: teardown request: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("labhttp: teardown returned status %d", resp.StatusCode)
		}
	}
	return nil
}

func (p *Provisioner) IsTornDown(ctx context.Context, machines []*model.Machine, q *query.Query) (bool, error) {
	return true, nil
}

func (p *Provisioner) submitRepave(ctx context.Context, m *model.Machine) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/repave", bytes.NewReader(mustJSON(repaveRequest{Hostname: m.Magic})))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("repave request failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var out repaveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (p *Provisioner) awaitDone(ctx context.Context, jobID string) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/jobs/"+jobID, nil)
		if err != nil {
			return err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var st jobStatus
		if err := json.Unmarshal(body, &st); err != nil {
			return err
		}
		switch st.Status {
		case "done", "succeeded":
			return nil
		case "failed":
			return fmt.Errorf("job %s failed: %s", jobID, st.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
