// Package timeauth is the single source of event time. Every timestamp
// that lands on a chain comes from one Authority; the append path then
// rejects any regression within an identity chain as a second line of
// defense.
package timeauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Authority issues monotonic timestamps.
type Authority interface {
	Now(ctx context.Context) (time.Time, error)
}

// Local issues times from the host clock, forced strictly increasing:
// if the wall clock stalls or steps backwards, the next issue is one
// nanosecond past the previous one. Times are always UTC.
type Local struct {
	mu    sync.Mutex
	last  time.Time
	clock func() time.Time
}

// NewLocal creates a local authority on the host clock.
func NewLocal() *Local {
	return &Local{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Local) WithClock(clock func() time.Time) *Local {
	l.clock = clock
	return l
}

// Now returns the next timestamp. Never errors; the signature carries
// the error slot so callers swap in Remote without changing shape.
func (l *Local) Now(_ context.Context) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	if !now.After(l.last) {
		now = l.last.Add(time.Nanosecond)
	}
	l.last = now
	return now, nil
}

// nowResponse is the wire shape of the /v1/time/now endpoint.
type nowResponse struct {
	Now time.Time `json:"now"`
}

// Handler serves an authority over HTTP for other processes of the
// same conclave.
func Handler(auth Authority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now, err := auth.Now(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(nowResponse{Now: now})
	}
}

const (
	defaultRemoteTimeout = 5 * time.Second
	remoteNowPath        = "/v1/time/now"
)

// Remote fetches timestamps from a time authority service. Strict
// fail-closed: any transport or decode failure surfaces as an error and
// nothing gets appended with a guessed time.
type Remote struct {
	baseURL string
	client  *http.Client

	mu   sync.Mutex
	last time.Time
}

// NewRemote creates a client for the authority at baseURL.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout == 0 {
		timeout = defaultRemoteTimeout
	}
	return &Remote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Now fetches the next timestamp, rejecting any response that is not
// strictly after the last one this client saw.
func (r *Remote) Now(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+remoteNowPath, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("time authority request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("time authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("time authority returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return time.Time{}, fmt.Errorf("time authority read: %w", err)
	}
	var nr nowResponse
	if err := json.Unmarshal(body, &nr); err != nil {
		return time.Time{}, fmt.Errorf("time authority decode: %w", err)
	}
	now := nr.Now.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !now.After(r.last) {
		return time.Time{}, fmt.Errorf("time authority regressed: %s not after %s",
			now.Format(time.RFC3339Nano), r.last.Format(time.RFC3339Nano))
	}
	r.last = now
	return now, nil
}
