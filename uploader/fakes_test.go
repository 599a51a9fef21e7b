package uploader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/Cally99/go-resumable/uploader/blobstore"
	"github.com/Cally99/go-resumable/uploader/metastore"
	"github.com/Cally99/go-resumable/uploader/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeClient records every call and answers from configurable canned
// responses. Upload ids are generated as srv-1, srv-2, ... unless the
// initiate response pins one.
type fakeClient struct {
	mu sync.Mutex

	initiateResponse network.InitiateResponse
	initiateErr      error
	initiateCalls    int

	statusResponse network.StatusResponse
	statusErr      error
	statusCalls    int

	chunkErrs  map[int]error
	chunks     map[int][]byte
	chunkCalls []int
	// onChunk runs after a successful chunk POST, outside the lock, so
	// tests can flip state mid-loop.
	onChunk func(index int)

	completeErr   error
	completeCalls int

	pauseErr   error
	pauseCalls int

	resumeErr   error
	resumeCalls int

	cancelErr   error
	cancelCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chunkErrs: map[int]error{},
		chunks:    map[int][]byte{},
	}
}

func (c *fakeClient) Initiate(ctx context.Context, params network.InitiateParams) (network.InitiateResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initiateCalls++
	if c.initiateErr != nil {
		return network.InitiateResponse{}, c.initiateErr
	}
	resp := c.initiateResponse
	if resp.UploadID == "" {
		resp.UploadID = fmt.Sprintf("srv-%d", c.initiateCalls)
	}
	return resp, nil
}

func (c *fakeClient) UploadChunk(ctx context.Context, id string, index, totalChunks int, chunk io.Reader, size int64) error {
	data, err := io.ReadAll(chunk)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.chunkCalls = append(c.chunkCalls, index)
	if err := c.chunkErrs[index]; err != nil {
		c.mu.Unlock()
		return err
	}
	c.chunks[index] = data
	onChunk := c.onChunk
	c.mu.Unlock()

	if onChunk != nil {
		onChunk(index)
	}
	return nil
}

func (c *fakeClient) Complete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeCalls++
	return c.completeErr
}

func (c *fakeClient) Pause(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseCalls++
	return c.pauseErr
}

func (c *fakeClient) Resume(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeCalls++
	return c.resumeErr
}

func (c *fakeClient) Status(ctx context.Context, id string) (network.StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCalls++
	if c.statusErr != nil {
		return network.StatusResponse{}, c.statusErr
	}
	return c.statusResponse, nil
}

func (c *fakeClient) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	return c.cancelErr
}

func (c *fakeClient) sentChunks() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int{}, c.chunkCalls...)
}

func (c *fakeClient) chunkData(index int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks[index]
}

func (c *fakeClient) resumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeCalls
}

// fakeMonitor is a hand-driven connectivity monitor.
type fakeMonitor struct {
	mu     sync.Mutex
	online bool
	subs   []func(Event)
}

func newFakeMonitor(online bool) *fakeMonitor {
	return &fakeMonitor{online: online}
}

func (m *fakeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *fakeMonitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	return func() {}
}

func (m *fakeMonitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]func(Event){}, m.subs...)
	m.mu.Unlock()

	event := EventOffline
	if online {
		event = EventOnline
	}
	for _, fn := range subs {
		fn(event)
	}
}

func (m *fakeMonitor) wake() {
	m.mu.Lock()
	subs := append([]func(Event){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(EventWake)
	}
}

// testEnv bundles a manager with hand-driven collaborators. The chunk
// size is 5 bytes so a 12-byte file behaves like the 12 MiB / 5 MiB
// reference case: chunks of 5, 5 and 2 bytes.
type testEnv struct {
	store   *metastore.Store
	blobs   *blobstore.Store
	client  *fakeClient
	monitor *fakeMonitor
	manager *Manager
	engine  *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.NewLogger()
	store := metastore.NewStore(nil, logger)
	return newTestEnvWithStore(t, store)
}

func newTestEnvWithStore(t *testing.T, store *metastore.Store) *testEnv {
	t.Helper()
	logger := log.NewLogger()
	blobs := blobstore.New(t.TempDir(), logger)
	client := newFakeClient()
	monitor := newFakeMonitor(true)
	config := Config{ChunkSize: 5, AutoResumeOnReload: true}
	manager := NewManager(store, blobs, client, monitor, config, logger)
	return &testEnv{
		store:   store,
		blobs:   blobs,
		client:  client,
		monitor: monitor,
		manager: manager,
		engine:  manager.engine,
	}
}
