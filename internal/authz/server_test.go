package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, opts Options, surface Surface) (*Broker, *httptest.Server) {
	t.Helper()

	b := NewBroker(opts)
	if surface != nil {
		b.SetSurface(surface)
	}

	ts := httptest.NewServer(NewServer(b, 0, nil).Handler())
	t.Cleanup(ts.Close)

	return b, ts
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body)) //nolint:noctx // test helper
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}

	return resp, payload
}

func TestServer_Preflight(t *testing.T) {
	_, ts := newTestServer(t, Options{}, nil)

	for _, path := range []string{"/permission", "/question"} {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodOptions, ts.URL+path, http.NoBody)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("OPTIONS %s status = %d, want 204", path, resp.StatusCode)
		}

		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("Allow-Origin = %q", got)
		}

		if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
			t.Fatalf("Allow-Methods = %q", got)
		}
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, Options{}, nil)

	resp, err := http.Get(ts.URL + "/permission") //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestServer_BadInput(t *testing.T) {
	_, ts := newTestServer(t, Options{ActiveTask: activeTask("task-1")}, &recordingSurface{})

	resp, payload := post(t, ts.URL+"/permission", `{not json`)
	if resp.StatusCode != http.StatusBadRequest || payload["error"] == nil {
		t.Fatalf("invalid JSON: status %d payload %v", resp.StatusCode, payload)
	}

	resp, payload = post(t, ts.URL+"/question", `{"question":""}`)
	if resp.StatusCode != http.StatusBadRequest || payload["error"] != "question is required" {
		t.Fatalf("invalid question: status %d payload %v", resp.StatusCode, payload)
	}
}

func TestServer_NotReady(t *testing.T) {
	_, ts := newTestServer(t, Options{ActiveTask: activeTask("")}, &recordingSurface{})

	resp, payload := post(t, ts.URL+"/permission", `{"operation":"create","filePath":"a"}`)
	if resp.StatusCode != http.StatusServiceUnavailable || payload["error"] == nil {
		t.Fatalf("status %d payload %v, want 503", resp.StatusCode, payload)
	}

	_, ts = newTestServer(t, Options{ActiveTask: activeTask("task-1")}, nil)

	resp, _ = post(t, ts.URL+"/question", `{"question":"ok?"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("no surface: status %d, want 503", resp.StatusCode)
	}
}

func TestServer_PermissionAllowed(t *testing.T) {
	surface := &recordingSurface{}
	b, ts := newTestServer(t, Options{ActiveTask: activeTask("task-1")}, surface)
	surface.onPresent = func(req *OperatorRequest) { b.ResolvePermissionRequest(req.ID, true) }

	resp, payload := post(t, ts.URL+"/permission", `{"operation":"overwrite","filePath":"config.json","contentPreview":"{}"}`)
	if resp.StatusCode != http.StatusOK || payload["allowed"] != true {
		t.Fatalf("status %d payload %v", resp.StatusCode, payload)
	}
}

func TestServer_QuestionAnswered(t *testing.T) {
	surface := &recordingSurface{}
	b, ts := newTestServer(t, Options{ActiveTask: activeTask("task-1")}, surface)
	surface.onPresent = func(req *OperatorRequest) {
		b.ResolveQuestionRequest(req.ID, QuestionResponse{Answered: true, SelectedOptions: []string{"staging"}, CustomText: "after lunch"})
	}

	resp, payload := post(t, ts.URL+"/question", `{"question":"Where?","options":[{"label":"staging"},{"label":"prod"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if payload["answered"] != true || payload["denied"] != false || payload["customText"] != "after lunch" {
		t.Fatalf("payload = %v", payload)
	}

	selected, ok := payload["selectedOptions"].([]any)
	if !ok || len(selected) != 1 || selected[0] != "staging" {
		t.Fatalf("selectedOptions = %v", payload["selectedOptions"])
	}
}

func TestServer_Timeout(t *testing.T) {
	_, ts := newTestServer(t, Options{
		ActiveTask:        activeTask("task-1"),
		PermissionTimeout: 30 * time.Millisecond,
		QuestionTimeout:   30 * time.Millisecond,
	}, &recordingSurface{})

	resp, payload := post(t, ts.URL+"/permission", `{"operation":"delete","filePath":"a"}`)
	if resp.StatusCode != http.StatusRequestTimeout || payload["allowed"] != false {
		t.Fatalf("permission: status %d payload %v", resp.StatusCode, payload)
	}

	resp, payload = post(t, ts.URL+"/question", `{"question":"ok?"}`)
	if resp.StatusCode != http.StatusRequestTimeout || payload["denied"] != true || payload["answered"] != false {
		t.Fatalf("question: status %d payload %v", resp.StatusCode, payload)
	}
}

func TestServer_ListenAndShutdown(t *testing.T) {
	b := NewBroker(Options{ActiveTask: activeTask("task-1")})
	b.SetSurface(&recordingSurface{})

	srv := NewServer(b, 0, nil)

	addr, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	if _, err := srv.Listen(); err == nil {
		t.Fatal("second Listen() should fail")
	}

	done := make(chan map[string]any, 1)

	go func() {
		resp, err := http.Post("http://"+addr.String()+"/permission", "application/json", //nolint:noctx // test
			strings.NewReader(`{"operation":"create","filePath":"a"}`))
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()

		var payload map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		done <- payload
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	payload := <-done
	if payload == nil || payload["allowed"] != false {
		t.Fatalf("pending request on shutdown = %v, want denial", payload)
	}
}
