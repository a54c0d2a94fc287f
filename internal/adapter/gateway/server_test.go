package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/config"
	"lia-terminal/internal/usecase/eventbus"
	"lia-terminal/internal/usecase/surface"
)

// --- test doubles ---

type testBus struct {
	mu       sync.Mutex
	handlers []domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := make([]domain.EventHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(_ domain.EventType, _ domain.EventHandler) func() { return func() {} }

func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers = nil
	}
}

func (b *testBus) Close() {}

// echoRunner answers every invocation with its program and args on stdout.
type echoRunner struct {
	mu   sync.Mutex
	runs []domain.Invocation
}

func (r *echoRunner) Run(_ context.Context, inv domain.Invocation) (*domain.CommandResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, inv)
	r.mu.Unlock()
	if inv.Program == "missing-program" {
		return nil, domain.NewCausedError("echoRunner.Run", domain.ErrCommandSpawn, &execNotFound{inv.Program})
	}
	out := strings.TrimSpace(inv.Program+" "+strings.Join(inv.Args, " ")) + "\n"
	return &domain.CommandResult{Program: inv.Program, Args: inv.Args, WorkDir: inv.WorkDir, Stdout: out}, nil
}

type execNotFound struct{ name string }

func (e *execNotFound) Error() string {
	return `exec: "` + e.name + `": executable file not found in $PATH`
}

type deniedRecorder struct {
	mu      sync.Mutex
	methods []string
}

func (d *deniedRecorder) LogAccessDenied(_ context.Context, _, method, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods = append(d.methods, method)
	return nil
}

func (d *deniedRecorder) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methods...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]config.TokenConfig{
		{Token: "test-token", Name: "tester"},
	})
}

// newTestSurface returns a session-mode surface rooted at a temp directory.
func newTestSurface(t *testing.T, bus domain.EventBus) (*surface.Surface, string) {
	t.Helper()
	start, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	wd, err := surface.NewDirState(start)
	if err != nil {
		t.Fatal(err)
	}
	return surface.New(surface.Options{
		Runner:  &echoRunner{},
		Workdir: wd,
		Bus:     bus,
		Logger:  quietLogger(),
	}), start
}

func startTestServer(t *testing.T, bus domain.EventBus, opts Options) *Server {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	if opts.Auth == nil {
		opts.Auth = newTestAuth()
	}
	if opts.Surface == nil {
		opts.Surface, _ = newTestSurface(t, bus)
	}
	srv := NewServer(bus, opts, quietLogger())
	RegisterDefaultHandlers(srv, HandlerDeps{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		for srv.BoundAddr() == "" {
			time.Sleep(5 * time.Millisecond)
		}
		close(started)
	}()
	go func() {
		// The test may have cancelled the context already.
		_ = srv.Start(ctx)
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop(context.Background())
	})

	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	return dialPath(t, addr, "/ws?token="+token)
}

func dialPath(t *testing.T, addr, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+path, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// call sends one request and returns its response, skipping event frames.
func call(t *testing.T, ws *websocket.Conn, id uint64, method, payload string) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := Frame{Type: FrameTypeRequest, ID: id, Method: method}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var resp Frame
		if err := wsjson.Read(ctx, ws, &resp); err != nil {
			t.Fatalf("read %s: %v", method, err)
		}
		if resp.Type == FrameTypeResponse && resp.ID == id {
			return resp
		}
	}
}

func decodeString(t *testing.T, f Frame) string {
	t.Helper()
	if f.Error != "" {
		t.Fatalf("unexpected error %s: %s", f.Code, f.Error)
	}
	var s string
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		t.Fatalf("decode %s: %v", f.Payload, err)
	}
	return s
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{})

	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
	methods := srv.Methods()
	for _, want := range []string{methodGetCurrentDirectory, methodChangeDirectory, methodExecuteCommand} {
		found := false
		for _, m := range methods {
			found = found || m == want
		}
		if !found {
			t.Errorf("method %q not registered", want)
		}
	}
}

func TestServerAuthReject(t *testing.T) {
	denied := &deniedRecorder{}
	srv := startTestServer(t, &testBus{}, Options{Denied: denied})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if got := denied.all(); len(got) != 1 || got[0] != "ws.connect" {
		t.Errorf("denied = %v", got)
	}
}

func TestServerBearerHeaderAuth(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer test-token"}},
	})
	if err != nil {
		t.Fatalf("dial with bearer header: %v", err)
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestServerNoAuthAcceptsAnyClient(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{Auth: NoAuth{}})
	ws := dialPath(t, srv.BoundAddr(), "/ws")

	resp := call(t, ws, 1, methodGetCurrentDirectory, "")
	if decodeString(t, resp) == "" {
		t.Error("expected a directory")
	}
}

func TestServerRPCRoundtrip(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{})

	srv.RegisterHandler("echo", func(_ context.Context, _ *Session, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 1, "echo", `{"msg":"hello"}`)

	if resp.Type != FrameTypeResponse {
		t.Errorf("type = %q", resp.Type)
	}
	if resp.Error != "" {
		t.Errorf("error = %q", resp.Error)
	}
	if string(resp.Payload) != `{"msg":"hello"}` {
		t.Errorf("payload = %s", resp.Payload)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{})
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	resp := call(t, ws, 2, "nonexistent", "")
	if resp.Error == "" {
		t.Error("expected error for unknown method")
	}
	if resp.Code != string(domain.CodeRPCMethodNotFound) {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerSchemaRejectsPayload(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{})
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	tests := []struct {
		method  string
		payload string
	}{
		{methodExecuteCommand, `{"commandName":"ls"}`},
		{methodExecuteCommand, `{"commandName":"ls","args":"-la"}`},
		{methodChangeDirectory, `{}`},
		{methodSurfaceExec, `{"program":""}`},
	}
	for i, tt := range tests {
		resp := call(t, ws, uint64(i+1), tt.method, tt.payload)
		if resp.Code != string(domain.CodeRPCInvalidPayload) {
			t.Errorf("%s %s: code = %q, error = %q", tt.method, tt.payload, resp.Code, resp.Error)
		}
	}
}

func TestServerHostContract(t *testing.T) {
	bus := &testBus{}
	base, start := newTestSurface(t, bus)
	srv := startTestServer(t, bus, Options{Surface: base})
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	if got := decodeString(t, call(t, ws, 1, methodGetCurrentDirectory, "")); got != start {
		t.Errorf("get_current_directory = %q, want %q", got, start)
	}

	sub := filepath.Join(start, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := decodeString(t, call(t, ws, 2, methodChangeDirectory, `{"path":"sub"}`)); got != sub {
		t.Errorf("change_directory = %q, want %q", got, sub)
	}

	got := decodeString(t, call(t, ws, 3, methodChangeDirectory, `{"path":"does-not-exist"}`))
	if !strings.HasPrefix(got, surface.ChangeDirectoryFailurePrefix) {
		t.Errorf("failed change_directory = %q", got)
	}

	out := decodeString(t, call(t, ws, 4, methodExecuteCommand, `{"commandName":"echo","args":["hi"]}`))
	if out != "echo hi\n" {
		t.Errorf("execute_command = %q", out)
	}

	out = decodeString(t, call(t, ws, 5, methodExecuteCommand, `{"commandName":"missing-program","args":[]}`))
	if !strings.HasPrefix(out, surface.ExecuteFailurePrefix) || !strings.Contains(out, "executable file not found") {
		t.Errorf("spawn failure = %q", out)
	}
}

func TestServerTypedSurface(t *testing.T) {
	bus := &testBus{}
	base, start := newTestSurface(t, bus)
	srv := startTestServer(t, bus, Options{Surface: base})
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	var dir directoryResponse
	resp := call(t, ws, 1, methodSurfaceCwd, "")
	if err := json.Unmarshal(resp.Payload, &dir); err != nil || dir.Directory != start {
		t.Fatalf("surface.cwd = %s (%v)", resp.Payload, err)
	}

	resp = call(t, ws, 2, methodSurfaceChdir, `{"path":"nope"}`)
	if resp.Code != string(domain.CodeChangeDirectory) {
		t.Errorf("surface.chdir code = %q", resp.Code)
	}

	resp = call(t, ws, 3, methodSurfaceExec, `{"program":"ls","args":["-a"]}`)
	var res surfaceExecResponse
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.CommandResult == nil || res.WorkDir != start || res.Output != "ls -a\n" {
		t.Errorf("surface.exec = %s", resp.Payload)
	}

	resp = call(t, ws, 4, methodSurfaceExec, `{"program":"missing-program"}`)
	if resp.Code != string(domain.CodeCommandSpawn) {
		t.Errorf("spawn code = %q", resp.Code)
	}
}

func TestServerConnectionsHaveIndependentDirectories(t *testing.T) {
	bus := &testBus{}
	base, start := newTestSurface(t, bus)
	if err := os.Mkdir(filepath.Join(start, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	srv := startTestServer(t, bus, Options{Surface: base})

	ws1 := dialWS(t, srv.BoundAddr(), "test-token")
	ws2 := dialWS(t, srv.BoundAddr(), "test-token")

	decodeString(t, call(t, ws1, 1, methodChangeDirectory, `{"path":"a"}`))

	if got := decodeString(t, call(t, ws2, 1, methodGetCurrentDirectory, "")); got != start {
		t.Errorf("second connection moved to %q", got)
	}
	if got := decodeString(t, call(t, ws1, 2, methodGetCurrentDirectory, "")); got != filepath.Join(start, "a") {
		t.Errorf("first connection at %q", got)
	}
	if dir, _ := base.Workdir().Get(); dir != start {
		t.Errorf("base surface moved to %q", dir)
	}
}

func TestServerExecRateLimit(t *testing.T) {
	denied := &deniedRecorder{}
	srv := startTestServer(t, &testBus{}, Options{ExecPerMinute: 1, ExecBurst: 1, Denied: denied})
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	first := call(t, ws, 1, methodExecuteCommand, `{"commandName":"true","args":[]}`)
	if first.Error != "" {
		t.Fatalf("first call: %s", first.Error)
	}
	second := call(t, ws, 2, methodExecuteCommand, `{"commandName":"true","args":[]}`)
	if second.Code != string(domain.CodeRateLimit) {
		t.Errorf("code = %q, want RATE_LIMIT", second.Code)
	}

	// Directory queries are not rate limited.
	if third := call(t, ws, 3, methodGetCurrentDirectory, ""); third.Error != "" {
		t.Errorf("cwd limited: %s", third.Error)
	}
	if got := denied.all(); len(got) != 1 || got[0] != methodExecuteCommand {
		t.Errorf("denied = %v", got)
	}
}

func TestServerEventForwarding(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus, Options{})

	ws := dialWS(t, srv.BoundAddr(), "test-token")

	// Give the connection time to be registered.
	time.Sleep(100 * time.Millisecond)

	bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventTabOpened,
		Timestamp: time.Now(),
		TabID:     "tab-1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read event: %v", err)
	}

	if frame.Type != FrameTypeEvent {
		t.Errorf("type = %q, want event", frame.Type)
	}
	if frame.Method != string(domain.EventTabOpened) {
		t.Errorf("method = %q", frame.Method)
	}
}

func TestServerTabFilteredEvents(t *testing.T) {
	bus := eventbus.New(quietLogger())
	t.Cleanup(bus.Close)
	srv := startTestServer(t, bus, Options{})

	ws := dialPath(t, srv.BoundAddr(), "/ws?token=test-token&tab_id=tab-b")
	time.Sleep(100 * time.Millisecond)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventOutputCleared, Timestamp: time.Now(), TabID: "tab-a"})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventTabClosed, Timestamp: time.Now(), TabID: "tab-b"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Method != string(domain.EventTabClosed) {
		t.Errorf("got %q, want only tab-b events", frame.Method)
	}
}

func TestServerSlowClient(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus, Options{})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	_ = ws // connected but not reading

	time.Sleep(100 * time.Millisecond)

	// Flooding must neither block nor panic.
	for i := 0; i < 200; i++ {
		bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventCommandCompleted,
			Timestamp: time.Now(),
		})
	}
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{})

	srv.RegisterHandler("ping", func(_ context.Context, _ *Session, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"pong"`), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
			if err != nil {
				return
			}
			defer ws.Close(websocket.StatusNormalClosure, "")

			req := Frame{Type: FrameTypeRequest, ID: uint64(id), Method: "ping"}
			if err := wsjson.Write(ctx, ws, req); err != nil {
				return
			}
			var resp Frame
			wsjson.Read(ctx, ws, &resp)
		}(i)
	}
	wg.Wait()
}

func TestServerDisconnect(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.Close(websocket.StatusNormalClosure, "bye")

	time.Sleep(100 * time.Millisecond)

	// Publishing after the client left must not panic.
	bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventCommandCompleted,
		Timestamp: time.Now(),
	})
	deadline := time.Now().Add(2 * time.Second)
	for srv.Connections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.Connections(); n != 0 {
		t.Errorf("Connections = %d after disconnect", n)
	}
}

func TestServerHandlerError(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{})

	srv.RegisterHandler("fail", func(_ context.Context, _ *Session, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.NewSubSystemError("tab", "fail", domain.ErrNotFound, "no such tab")
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 1, "fail", "")

	if resp.Error == "" {
		t.Error("expected error in response")
	}
	if resp.Code != string(domain.CodeTabNotFound) {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerRolePermissions(t *testing.T) {
	denied := &deniedRecorder{}
	srv := startTestServer(t, &testBus{}, Options{
		Denied: denied,
		Auth: NewStaticTokenAuth([]config.TokenConfig{
			{Token: "view-token", Name: "dashboard", Roles: []string{"viewer"}},
			{Token: "op-token", Name: "script", Roles: []string{"operator"}},
		}),
	})

	viewer := dialWS(t, srv.BoundAddr(), "view-token")
	if resp := call(t, viewer, 1, methodGetCurrentDirectory, ""); resp.Error != "" {
		t.Errorf("viewer cwd: %s", resp.Error)
	}
	for i, method := range []string{methodExecuteCommand, methodChangeDirectory, methodSurfaceExec} {
		payload := `{"commandName":"true","args":[]}`
		if method == methodChangeDirectory {
			payload = `{"path":"/"}`
		} else if method == methodSurfaceExec {
			payload = `{"program":"true"}`
		}
		resp := call(t, viewer, uint64(10+i), method, payload)
		if resp.Code != string(domain.CodeForbidden) {
			t.Errorf("viewer %s: code = %q, want FORBIDDEN", method, resp.Code)
		}
	}

	operator := dialWS(t, srv.BoundAddr(), "op-token")
	if resp := call(t, operator, 1, methodExecuteCommand, `{"commandName":"true","args":[]}`); resp.Error != "" {
		t.Errorf("operator exec: %s", resp.Error)
	}

	if got := denied.all(); len(got) != 3 {
		t.Errorf("denied = %v, want 3 entries", got)
	}
}
