package kernel

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/cpgqls"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/cpgqls/cpgqlstest"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/processHelpers"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/sidecar"
)

type fakeClient struct {
	result defs.QueryResult
	err    error
}

func (c *fakeClient) Send(ctx context.Context, query string) (defs.QueryResult, error) {
	return c.result, c.err
}

type fakeSupervisor struct {
	mu        sync.Mutex
	client    processHelpers.QueryClient
	startErr  error
	images    []sidecar.ImageRecord
	drains    int
	starts    int
	shutdowns int
}

func (s *fakeSupervisor) EnsureRunning(ctx context.Context) (processHelpers.QueryClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.client, nil
}

func (s *fakeSupervisor) DrainImages() ([]sidecar.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
	images := s.images
	s.images = nil
	return images, nil
}

func (s *fakeSupervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

// fakeRenderer puts the path into the bundle so tests can check ordering
type fakeRenderer struct{}

func (fakeRenderer) Render(path string) (defs.DisplayData, error) {
	if strings.HasSuffix(path, ".bad") {
		return defs.DisplayData{}, errors.New("cannot render")
	}
	return defs.DisplayData{Data: map[string]any{"image/png": path}}, nil
}

func runExecute(k *Kernel, code string, silent bool) (defs.ExecuteReply, []defs.ExecuteEvent) {
	rec := &Recorder{}
	reply := k.Execute(context.Background(), defs.ExecuteRequest{Code: code, Silent: silent}, rec)
	return reply, rec.Events()
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name       string
		supervisor *fakeSupervisor
		silent     bool
		wantStatus string
		wantEvents []defs.ExecuteEvent
		wantDrains int
	}{
		{
			name: "stdout only",
			supervisor: &fakeSupervisor{
				client: &fakeClient{result: defs.QueryResult{Success: true, Stdout: "2"}},
			},
			wantStatus: defs.StatusOK,
			wantEvents: []defs.ExecuteEvent{
				{MsgType: defs.MsgStream, Content: defs.StreamContent{Name: defs.StreamStdout, Text: "2\n"}},
			},
			wantDrains: 1,
		},
		{
			name: "stderr before stdout",
			supervisor: &fakeSupervisor{
				client: &fakeClient{result: defs.QueryResult{Success: false, Stdout: "partial", Stderr: "boom"}},
			},
			wantStatus: defs.StatusError,
			wantEvents: []defs.ExecuteEvent{
				{MsgType: defs.MsgStream, Content: defs.StreamContent{Name: defs.StreamStderr, Text: "boom\n"}},
				{MsgType: defs.MsgStream, Content: defs.StreamContent{Name: defs.StreamStdout, Text: "partial\n"}},
			},
			wantDrains: 1,
		},
		{
			name: "silent emits no streams",
			supervisor: &fakeSupervisor{
				client: &fakeClient{result: defs.QueryResult{Success: true, Stdout: "hidden"}},
			},
			silent:     true,
			wantStatus: defs.StatusOK,
			wantDrains: 1,
		},
		{
			name: "images before streams",
			supervisor: &fakeSupervisor{
				client: &fakeClient{result: defs.QueryResult{Success: true, Stdout: "done"}},
				images: []sidecar.ImageRecord{{Path: "/tmp/a.png"}, {Path: "/tmp/skip.bad"}, {Path: "/tmp/b.png"}},
			},
			wantStatus: defs.StatusOK,
			wantEvents: []defs.ExecuteEvent{
				{MsgType: defs.MsgDisplayData, Content: defs.DisplayData{Data: map[string]any{"image/png": "/tmp/a.png"}}},
				{MsgType: defs.MsgDisplayData, Content: defs.DisplayData{Data: map[string]any{"image/png": "/tmp/b.png"}}},
				{MsgType: defs.MsgStream, Content: defs.StreamContent{Name: defs.StreamStdout, Text: "done\n"}},
			},
			wantDrains: 1,
		},
		{
			name: "server unavailable",
			supervisor: &fakeSupervisor{
				startErr: errors.New("server exited during startup, exit code 1"),
				images:   []sidecar.ImageRecord{{Path: "/tmp/stale.png"}},
			},
			wantStatus: defs.StatusError,
			wantEvents: []defs.ExecuteEvent{
				{MsgType: defs.MsgStream, Content: defs.StreamContent{
					Name: defs.StreamStderr,
					Text: "connection problem: server exited during startup, exit code 1\n",
				}},
			},
			wantDrains: 0,
		},
		{
			name: "send failure still drains",
			supervisor: &fakeSupervisor{
				client: &fakeClient{err: errors.New("connection reset")},
			},
			wantStatus: defs.StatusError,
			wantEvents: []defs.ExecuteEvent{
				{MsgType: defs.MsgStream, Content: defs.StreamContent{Name: defs.StreamStderr, Text: "connection problem: connection reset\n"}},
			},
			wantDrains: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := New("Joern", tt.supervisor, fakeRenderer{}, nil)
			reply, events := runExecute(k, "code", tt.silent)

			if reply.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", reply.Status, tt.wantStatus)
			}
			if reply.Payload == nil || len(reply.Payload) != 0 {
				t.Errorf("Payload = %v, want empty", reply.Payload)
			}
			if reply.UserExpressions == nil || len(reply.UserExpressions) != 0 {
				t.Errorf("UserExpressions = %v, want empty", reply.UserExpressions)
			}
			if tt.supervisor.drains != tt.wantDrains {
				t.Errorf("drains = %d, want %d", tt.supervisor.drains, tt.wantDrains)
			}
			assertEvents(t, events, tt.wantEvents)
		})
	}
}

func assertEvents(t *testing.T, got, want []defs.ExecuteEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v, want %d %+v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i].MsgType != want[i].MsgType {
			t.Errorf("event %d type = %q, want %q", i, got[i].MsgType, want[i].MsgType)
			continue
		}
		switch w := want[i].Content.(type) {
		case defs.StreamContent:
			if g, ok := got[i].Content.(defs.StreamContent); !ok || g != w {
				t.Errorf("event %d = %+v, want %+v", i, got[i].Content, w)
			}
		case defs.DisplayData:
			g, ok := got[i].Content.(defs.DisplayData)
			if !ok || g.Data["image/png"] != w.Data["image/png"] {
				t.Errorf("event %d = %+v, want %+v", i, got[i].Content, w)
			}
		}
	}
}

func TestExecutionCount(t *testing.T) {
	sup := &fakeSupervisor{client: &fakeClient{result: defs.QueryResult{Success: true}}}
	k := New("Joern", sup, fakeRenderer{}, nil)

	steps := []struct {
		silent bool
		want   int
	}{
		{false, 1},
		{false, 2},
		{true, 2},
		{false, 3},
	}
	for i, step := range steps {
		reply, _ := runExecute(k, "x", step.silent)
		if reply.ExecutionCount != step.want {
			t.Errorf("step %d: ExecutionCount = %d, want %d", i, reply.ExecutionCount, step.want)
		}
	}

	// Failures count too
	sup.startErr = errors.New("unreachable")
	if reply, _ := runExecute(k, "x", false); reply.ExecutionCount != 4 {
		t.Errorf("ExecutionCount after failure = %d, want 4", reply.ExecutionCount)
	}
	if k.ExecutionCount() != 4 {
		t.Errorf("ExecutionCount() = %d, want 4", k.ExecutionCount())
	}
}

func TestExecuteAgainstQueryServer(t *testing.T) {
	fake := cpgqlstest.NewServer("user", "secret", func(query string) any {
		if query == "1 + 1" {
			return defs.QueryResult{Success: true, Stdout: "2"}
		}
		// Payload without stdout/stderr fields
		return map[string]any{"success": true}
	})
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	client := cpgqls.New(strings.TrimPrefix(srv.URL, "http://"), "user", "secret")
	k := New("Joern", &fakeSupervisor{client: client}, fakeRenderer{}, nil)

	reply, events := runExecute(k, "1 + 1", false)
	if reply.Status != defs.StatusOK {
		t.Errorf("Status = %q, want ok", reply.Status)
	}
	assertEvents(t, events, []defs.ExecuteEvent{
		{MsgType: defs.MsgStream, Content: defs.StreamContent{Name: defs.StreamStdout, Text: "2\n"}},
	})

	reply, events = runExecute(k, "cpg.method", false)
	if reply.Status != defs.StatusOK {
		t.Errorf("Status = %q, want ok", reply.Status)
	}
	assertEvents(t, events, nil)
}

func TestExecuteUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(cpgqlstest.NewServer("user", "secret", nil).Handler())
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	k := New("Joern", &fakeSupervisor{client: cpgqls.New(endpoint, "user", "secret")}, fakeRenderer{}, nil)
	reply, events := runExecute(k, "cpg.method", false)

	if reply.Status != defs.StatusError {
		t.Errorf("Status = %q, want error", reply.Status)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 stderr stream", len(events))
	}
	stream, ok := events[0].Content.(defs.StreamContent)
	if !ok || stream.Name != defs.StreamStderr || !strings.HasPrefix(stream.Text, "connection problem:") {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestShutdownDelegates(t *testing.T) {
	sup := &fakeSupervisor{}
	k := New("Ocular", sup, fakeRenderer{}, nil)
	if err := k.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if sup.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", sup.shutdowns)
	}
}

func TestInfo(t *testing.T) {
	info := New("Ocular", &fakeSupervisor{}, fakeRenderer{}, nil).Info()
	if info.Implementation != "Ocular" || info.Banner != "Ocular kernel" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.LanguageInfo.Name != "scala" || info.LanguageInfo.Version != "0.1" || info.LanguageInfo.FileExtension != ".sc" {
		t.Errorf("unexpected language info %+v", info.LanguageInfo)
	}
}
