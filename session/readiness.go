package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"bay.dev/bay/bayerr"
	"bay.dev/bay/driver"
	"bay.dev/bay/profile"
)

// ReadyTuning bounds the readiness poll. The budget is generous by
// default because a cold start may pull the image first.
type ReadyTuning struct {
	Budget       time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (t *ReadyTuning) applyDefaults() {
	if t.Budget <= 0 {
		t.Budget = 2 * time.Minute
	}
	if t.InitialDelay <= 0 {
		t.InitialDelay = 500 * time.Millisecond
	}
	if t.MaxDelay <= 0 {
		t.MaxDelay = time.Second
	}
}

// healthBody is the optional JSON a runtime returns from /health.
// Browser runtimes report whether the browser itself is up; older
// images omit the field and are treated as ready.
type healthBody struct {
	BrowserReady *bool `json:"browser_ready"`
}

// awaitReady polls the runtime's health endpoint until it answers 200
// (and, for browser runtimes, browser_ready=true), backing off
// exponentially within the budget.
func (m *Manager) awaitReady(ctx context.Context, endpoint, healthPath, runtimeType string) error {
	if healthPath == "" {
		healthPath = profile.DefaultHealthPath
	}
	url := strings.TrimSuffix(endpoint, "/") + healthPath

	deadline := m.now().Add(m.Ready.Budget)
	delay := m.Ready.InitialDelay

	for {
		ready, err := m.probe(ctx, url, runtimeType)
		if err == nil && ready {
			return nil
		}
		if err != nil {
			m.Log.Debug("health probe failed", "url", url, "error", err)
		}

		if m.now().Add(delay).After(deadline) {
			return bayerr.New(bayerr.CodeDriver, "container not ready within %s", m.Ready.Budget).
				With("driver", m.Driver.Kind()).
				With("endpoint", endpoint)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.Ready.MaxDelay {
			delay = m.Ready.MaxDelay
		}
	}
}

func (m *Manager) probe(ctx context.Context, url, runtimeType string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	if runtimeType != profile.RuntimeTypeBrowser {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Non-JSON 200 from an older browser image: ready.
		return true, nil
	}
	return body.BrowserReady == nil || *body.BrowserReady, nil
}

// awaitMultiReady waits for every container of the set, sequentially
// in declaration order. Containers started in parallel, so by the time
// the poll reaches the later ones they are usually already up.
func (m *Manager) awaitMultiReady(ctx context.Context, infos []driver.MultiInfo, prof *profile.Profile) error {
	byName := make(map[string]*profile.Container, len(prof.Containers))
	for i := range prof.Containers {
		byName[prof.Containers[i].Name] = &prof.Containers[i]
	}

	for _, info := range infos {
		spec, ok := byName[info.Name]
		if !ok {
			return bayerr.Internal(nil, "started container %q not declared by profile %s", info.Name, prof.ID)
		}
		if err := m.awaitReady(ctx, info.Endpoint, spec.HealthCheckPath, spec.RuntimeType); err != nil {
			return err
		}
	}
	return nil
}
