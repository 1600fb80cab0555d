package api

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/store/memstore"
	"github.com/wilhg/designsync/pkg/versionstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(NewServer(versionstore.New(memstore.New())).Handler())
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, WithHTTPClient(srv.Client()))
}

func TestHealthz(t *testing.T) {
	srv, c := newTestServer(t)
	if err := c.Health(t.Context()); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
}

func TestClientRoundTrip(t *testing.T) {
	_, c := newTestServer(t)
	ctx := t.Context()
	rec, err := c.Create(ctx, document.MustParse(`{"name":"A","size":12345678901234567890}`))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Version != 1 {
		t.Fatalf("created %+v", rec)
	}
	if n, _ := rec.Document.Get("size"); n.String() != "12345678901234567890" {
		t.Fatalf("number precision lost: %s", n)
	}

	res, err := c.Update(ctx, rec.ID, document.MustParse(`{"name":"B","size":1}`), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.NewVersion != 2 {
		t.Fatalf("update %+v", res)
	}
	res, err = c.Update(ctx, rec.ID, document.MustParse(`{"name":"B","size":1}`), 2)
	if err != nil || !res.NoChanges() {
		t.Fatalf("no-op update %+v %v", res, err)
	}

	step, err := c.Undo(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !step.Success || step.PreviousVersion != 1 || step.CurrentVersion != 0 {
		t.Fatalf("undo %+v", step)
	}
	if name, _ := step.Document.Get("name"); !name.Equal(document.String("A")) {
		t.Fatalf("undo document %s", step.Document)
	}
	step, err = c.Undo(ctx, rec.ID)
	if err != nil || step.Success || step.Message != versionstore.MsgNothingToUndo {
		t.Fatalf("undo at base %+v %v", step, err)
	}
	if step, err := c.Redo(ctx, rec.ID); err != nil || !step.Success {
		t.Fatalf("redo %+v %v", step, err)
	}

	events, err := c.History(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Version != 1 || len(events[0].Patches) == 0 {
		t.Fatalf("history %+v", events)
	}
	got, err := c.Get(ctx, rec.ID)
	if err != nil || got == nil || got.Version != 4 || got.EventVersion != 1 {
		t.Fatalf("get %+v %v", got, err)
	}
	list, err := c.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list %+v %v", list, err)
	}
}

func TestClientSurfacesDomainErrors(t *testing.T) {
	_, c := newTestServer(t)
	ctx := t.Context()
	rec, err := c.Create(ctx, document.MustParse(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Update(ctx, rec.ID, document.MustParse(`{"x":1}`), 9)
	if !errors.Is(err, errmodel.ErrVersionConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
	if _, err := c.Undo(ctx, "missing"); !errors.Is(err, errmodel.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	got, err := c.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("get missing: %v %v", got, err)
	}
}

func TestServerRejectsBadBodies(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []struct {
		name, method, path, body string
		status                   int
	}{
		{"not json", http.MethodPost, "/api/designs", `{"document":`, http.StatusBadRequest},
		{"missing document", http.MethodPost, "/api/designs", `{}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/designs", `{"document":{},"extra":1}`, http.StatusBadRequest},
		{"version not integer", http.MethodPut, "/api/designs/x", `{"document":{},"expected_version":"1"}`, http.StatusBadRequest},
		{"unknown design", http.MethodPut, "/api/designs/x", `{"document":{},"expected_version":1}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("status=%d want %d body=%s", resp.StatusCode, tc.status, body)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content-type %q", ct)
			}
		})
	}
}

func TestClientReportsUnreachableServer(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.List(t.Context())
	if !errmodel.IsCategory(err, errmodel.CategoryNetwork) {
		t.Fatalf("want network error, got %v", err)
	}
}
