package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"workbench/internal/common/storage"
	"workbench/internal/render/dispatcher"
	"workbench/internal/sandbox/entrypoint"
	"workbench/internal/sandbox/protocol"
	"workbench/internal/sandbox/supervisor"
	appErr "workbench/pkg/errors"
)

type fakeRunner struct {
	req supervisor.RunRequest
	res *supervisor.RunResult
	err error
}

func (f *fakeRunner) Run(ctx context.Context, req supervisor.RunRequest) (*supervisor.RunResult, error) {
	f.req = req
	return f.res, f.err
}

type storedObject struct {
	data []byte
	opts storage.PutOptions
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string]storedObject
	putErr  error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string]storedObject)}
}

func (m *memStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts storage.PutOptions) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = storedObject{data: data, opts: opts}
	return nil
}

func (m *memStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *memStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, errors.New("no such key")
	}
	return storage.ObjectStat{SizeBytes: int64(len(obj.data)), ContentType: obj.opts.ContentType, Metadata: obj.opts.Metadata}, nil
}

func newTestRenderer(t *testing.T, runner ChildRunner, store storage.ObjectStorage) *Renderer {
	t.Helper()
	r, err := NewRenderer(Config{
		Runner:  runner,
		Storage: store,
		Bucket:  "renders",
		Sandbox: protocol.SandboxConfig{SkipSandboxExcept: protocol.SkipAllExcept(protocol.FeatureNetwork)},
	})
	if err != nil {
		t.Fatalf("NewRenderer() = %v", err)
	}
	return r
}

func TestRenderStoresCompressedResult(t *testing.T) {
	result := `{"workflow_id":42,"delta_id":7,"engine":"test"}`
	runner := &fakeRunner{res: &supervisor.RunResult{Stdout: []byte(`{"result":` + result + "}\n")}}
	store := newMemStorage()
	r := newTestRenderer(t, runner, store)

	req := dispatcher.Request{WorkflowID: 42, DeltaID: 7}
	if err := r.Render(context.Background(), req); err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if runner.req.ProcessName != defaultProcessName || len(runner.req.Args) != 2 || runner.req.Timeout != defaultTimeout {
		t.Fatalf("run request = %+v", runner.req)
	}
	var input dispatcher.Request
	if err := json.Unmarshal(runner.req.Stdin, &input); err != nil || input != req {
		t.Fatalf("stdin = %s (%v)", runner.req.Stdin, err)
	}

	obj, ok := store.objects["renders/renders/42/7.json.zst"]
	if !ok {
		t.Fatalf("objects = %v", store.objects)
	}
	if obj.opts.ContentEncoding != "zstd" || obj.opts.Metadata["delta-id"] != "7" {
		t.Fatalf("put options = %+v", obj.opts)
	}
	got, err := r.Fetch(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if string(got) != result {
		t.Fatalf("Fetch() = %s", got)
	}
	stat, err := r.Stat(context.Background(), 42, 7)
	if err != nil || stat.Metadata["raw-size"] != "47" {
		t.Fatalf("Stat() = %+v, %v", stat, err)
	}
}

func TestRenderFailures(t *testing.T) {
	tests := []struct {
		name     string
		res      *supervisor.RunResult
		runErr   error
		putErr   error
		wantCode appErr.ErrorCode
	}{
		{
			name:     "entry failed",
			res:      &supervisor.RunResult{ExitCode: 1, Stderr: []byte("wb-render: module raised\n")},
			wantCode: appErr.ChildFailed,
		},
		{
			name:     "sandbox setup failed",
			res:      &supervisor.RunResult{ExitCode: 125, Stderr: []byte("sandbox setup failed: chroot: EPERM")},
			wantCode: appErr.SandboxSetupFailed,
		},
		{
			name:     "timeout",
			runErr:   appErr.New(appErr.ChildTimeout),
			wantCode: appErr.ChildTimeout,
		},
		{
			name:     "garbage output",
			res:      &supervisor.RunResult{Stdout: []byte("not json")},
			wantCode: appErr.RenderFailed,
		},
		{
			name:     "unneeded",
			res:      &supervisor.RunResult{Stdout: []byte(`{"unneeded":true}`)},
			wantCode: appErr.UnneededExecution,
		},
		{
			name:     "storage down",
			res:      &supervisor.RunResult{Stdout: []byte(`{"result":{}}`)},
			putErr:   errors.New("connection refused"),
			wantCode: appErr.StorageError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStorage()
			store.putErr = tt.putErr
			r := newTestRenderer(t, &fakeRunner{res: tt.res, err: tt.runErr}, store)
			err := r.Render(context.Background(), dispatcher.Request{WorkflowID: 1, DeltaID: 2})
			if !appErr.Is(err, tt.wantCode) {
				t.Fatalf("Render() = %v, want code %d", err, tt.wantCode)
			}
		})
	}
}

func TestNewRendererValidates(t *testing.T) {
	if _, err := NewRenderer(Config{Storage: newMemStorage(), Bucket: "b"}); err == nil {
		t.Fatal("expected error without runner")
	}
	bad := protocol.SandboxConfig{SkipSandboxExcept: protocol.SkipAllExcept("teleport")}
	if _, err := NewRenderer(Config{Runner: &fakeRunner{}, Storage: newMemStorage(), Bucket: "b", Sandbox: bad}); err == nil {
		t.Fatal("expected error for unknown sandbox feature")
	}
}

func TestRenderEntry(t *testing.T) {
	args, err := protocol.EncodeArgs(int64(42), int64(7))
	if err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	call := &entrypoint.Call{
		ProcessName: defaultProcessName,
		Args:        args,
		Preloaded:   map[string][]byte{EnginePreload: []byte("engine-x")},
		Stdin:       strings.NewReader(`{"workflow_id":42,"delta_id":7}`),
		Stdout:      &stdout,
		Stderr:      io.Discard,
	}
	if err := RenderEntry(context.Background(), call); err != nil {
		t.Fatalf("RenderEntry() = %v", err)
	}

	var out renderOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("stdout %q: %v", stdout.String(), err)
	}
	var res renderResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	want := renderResult{WorkflowID: 42, DeltaID: 7, Engine: "engine-x", InputBytes: 31}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
}

func TestRenderEntryNeedsPreload(t *testing.T) {
	args, _ := protocol.EncodeArgs(int64(1), int64(2))
	call := &entrypoint.Call{Args: args, Stdin: strings.NewReader(""), Stdout: io.Discard}
	if err := RenderEntry(context.Background(), call); err == nil {
		t.Fatal("expected error without engine preload")
	}
}
