package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentplane/internal/config"
	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/domain/principal"
	"github.com/Strob0t/agentplane/internal/port/broadcast"
	"github.com/Strob0t/agentplane/internal/port/cache"
	"github.com/Strob0t/agentplane/internal/port/database"
	"github.com/Strob0t/agentplane/internal/port/execbackend"
	"github.com/Strob0t/agentplane/internal/port/messagequeue"
	"github.com/Strob0t/agentplane/internal/port/tokenminter"
)

// Ensure mock types implement their interfaces at compile time.
var (
	_ database.Store        = (*memStore)(nil)
	_ execbackend.Container = (*mockContainer)(nil)
	_ execbackend.Process   = (*mockProcess)(nil)
	_ tokenminter.Minter    = (*mockMinter)(nil)
	_ broadcast.Broadcaster = (*mockBroadcaster)(nil)
	_ messagequeue.Queue    = (*mockQueue)(nil)
	_ cache.Cache           = (*memCache)(nil)
	_ database.LogSink      = (*mockSink)(nil)
)

const (
	testProject = "proj-1"
	testOwner   = "user-1"
)

// --- store ---

type memStore struct {
	mu      sync.Mutex
	seq     int
	owners  map[string]string
	defs    map[string]*agent.Definition // by row id
	insts   map[string]*agent.Instance   // by public instance id
	logs    []agent.LogRecord
	metrics []agent.MetricSample

	createInstanceErr error
	transitionErr     error
	appendMetricErr   error
	ownerCalls        int
}

func newMemStore() *memStore {
	return &memStore{
		owners: map[string]string{testProject: testOwner},
		defs:   make(map[string]*agent.Definition),
		insts:  make(map[string]*agent.Instance),
	}
}

func (m *memStore) nextID() string {
	m.seq++
	return fmt.Sprintf("row-%d", m.seq)
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) ProjectOwner(_ context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownerCalls++
	owner, ok := m.owners[projectID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return owner, nil
}

func (m *memStore) CreateDefinition(_ context.Context, d *agent.Definition) (*agent.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[d.ProjectID]; !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	cp.ID = m.nextID()
	cp.Version = 1
	m.defs[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetDefinition(_ context.Context, projectID, agentID string) (*agent.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.ProjectID == projectID && d.AgentID == agentID {
			out := *d
			return &out, nil
		}
	}
	return nil, fmt.Errorf("definition %s: %w", agentID, domain.ErrNotFound)
}

func (m *memStore) GetDefinitionByID(_ context.Context, id string) (*agent.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (m *memStore) ListDefinitions(_ context.Context, projectID string) ([]agent.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Definition
	for _, d := range m.defs {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateDefinition(_ context.Context, d *agent.Definition) (*agent.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.defs[d.ID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if cur.Version != d.Version {
		return nil, domain.ErrConflict
	}
	cp := *d
	cp.Version++
	m.defs[d.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.defs, id)
	for k, inst := range m.insts {
		if inst.DefinitionID == id {
			delete(m.insts, k)
		}
	}
	return nil
}

func (m *memStore) CreateInstance(_ context.Context, req agent.CreateInstanceRequest) (*agent.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createInstanceErr != nil {
		return nil, m.createInstanceErr
	}
	inst := &agent.Instance{
		ID:           m.nextID(),
		InstanceID:   req.InstanceID,
		DefinitionID: req.DefinitionID,
		Handle:       req.Handle,
		Status:       agent.StatusRunning,
		StartedAt:    req.StartedAt,
	}
	m.insts[req.InstanceID] = inst
	out := *inst
	return &out, nil
}

// putInstance inserts a row directly, bypassing the lifecycle.
func (m *memStore) putInstance(inst agent.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.ID == "" {
		inst.ID = m.nextID()
	}
	m.insts[inst.InstanceID] = &inst
}

func (m *memStore) GetInstance(_ context.Context, instanceID string) (*agent.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, domain.ErrNotFound)
	}
	out := *inst
	return &out, nil
}

func (m *memStore) status(instanceID string) agent.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.insts[instanceID]; ok {
		return inst.Status
	}
	return ""
}

func (m *memStore) ListInstances(_ context.Context, definitionID string) ([]agent.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Instance
	for _, inst := range m.insts {
		if inst.DefinitionID == definitionID {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListProjectInstances(_ context.Context, projectID string) ([]agent.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Instance
	for _, inst := range m.insts {
		if d, ok := m.defs[inst.DefinitionID]; ok && d.ProjectID == projectID {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CountInstances(_ context.Context, definitionID string, status agent.Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inst := range m.insts {
		if inst.DefinitionID == definitionID && inst.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) TransitionInstance(_ context.Context, instanceID string, expected agent.Status, upd database.InstanceUpdate) (*agent.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}
	inst, ok := m.insts[instanceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if inst.Status != expected {
		return nil, domain.ErrInvalidTransition
	}
	upd.Apply(inst)
	out := *inst
	return &out, nil
}

func (m *memStore) TouchHeartbeat(_ context.Context, instanceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[instanceID]
	if !ok {
		return domain.ErrNotFound
	}
	inst.LastHeartbeat = &at
	return nil
}

func (m *memStore) AppendLog(_ context.Context, rec agent.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID()
	m.logs = append(m.logs, rec)
	return nil
}

func (m *memStore) pageLogs(match func(agent.LogRecord) bool, page agent.Page) ([]agent.LogRecord, int) {
	var all []agent.LogRecord
	for _, r := range m.logs {
		if match(r) {
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	total := len(all)
	if page.Offset >= total {
		return nil, total
	}
	end := min(page.Offset+page.Limit, total)
	return all[page.Offset:end], total
}

func (m *memStore) ListInstanceLogs(_ context.Context, instanceID string, page agent.Page) ([]agent.LogRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, total := m.pageLogs(func(r agent.LogRecord) bool { return r.InstanceID == instanceID }, page)
	return recs, total, nil
}

func (m *memStore) ListDefinitionLogs(_ context.Context, definitionID string, page agent.Page) ([]agent.LogRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, total := m.pageLogs(func(r agent.LogRecord) bool { return r.DefinitionID == definitionID }, page)
	return recs, total, nil
}

func (m *memStore) AppendMetric(_ context.Context, s agent.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendMetricErr != nil {
		return m.appendMetricErr
	}
	s.ID = m.nextID()
	m.metrics = append(m.metrics, s)
	return nil
}

func (m *memStore) ListMetrics(_ context.Context, instanceID string, page agent.Page) ([]agent.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.MetricSample
	for i := len(m.metrics) - 1; i >= 0; i-- {
		if m.metrics[i].InstanceID == instanceID {
			out = append(out, m.metrics[i])
		}
	}
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

// --- backends ---

type mockContainer struct {
	mu         sync.Mutex
	probeErr   error
	probes     int
	launchErr  error
	startErr   error
	stopErr    error
	removeErr  error
	launched   []execbackend.LaunchSpec
	started    []string
	stopped    []string
	removed    []string
	readings   []agent.Reading
	logLines   []execbackend.LogLine
	logTailArg int
}

func (m *mockContainer) Probe(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	return m.probeErr
}

func (m *mockContainer) Launch(_ context.Context, spec execbackend.LaunchSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.launchErr != nil {
		return "", m.launchErr
	}
	m.launched = append(m.launched, spec)
	return fmt.Sprintf("c%d", len(m.launched)), nil
}

func (m *mockContainer) Start(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, id)
	return nil
}

func (m *mockContainer) Stop(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr != nil {
		return m.stopErr
	}
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockContainer) ForceRemove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return m.removeErr
}

func (m *mockContainer) Sample(context.Context, string) ([]agent.Reading, error) {
	return m.readings, nil
}

func (m *mockContainer) Logs(_ context.Context, _ string, tail int) ([]execbackend.LogLine, error) {
	m.logTailArg = tail
	return m.logLines, nil
}

type mockProcess struct {
	mu         sync.Mutex
	nextPID    int
	launchErr  error
	stopErr    error
	stdout     string
	stderr     string
	launched   []execbackend.LaunchSpec
	stopped    []int
	terminated []int
	exits      map[int]chan execbackend.Exit
	running    bool
}

func newMockProcess() *mockProcess {
	return &mockProcess{nextPID: 1000, exits: make(map[int]chan execbackend.Exit), running: true}
}

func (m *mockProcess) Launch(_ context.Context, spec execbackend.LaunchSpec) (*execbackend.LaunchedProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.launchErr != nil {
		return nil, m.launchErr
	}
	m.nextPID++
	pid := m.nextPID
	ch := make(chan execbackend.Exit, 1)
	m.exits[pid] = ch
	m.launched = append(m.launched, spec)
	return &execbackend.LaunchedProcess{
		PID: pid,
		Streams: execbackend.Streams{
			Stdout: io.NopCloser(strings.NewReader(m.stdout)),
			Stderr: io.NopCloser(strings.NewReader(m.stderr)),
		},
		Exited: ch,
	}, nil
}

// exit simulates the child ending on its own.
func (m *mockProcess) exit(pid int, ex execbackend.Exit) {
	m.mu.Lock()
	ch, ok := m.exits[pid]
	delete(m.exits, pid)
	m.mu.Unlock()
	if ok {
		ch <- ex
		close(ch)
	}
}

func (m *mockProcess) Stop(_ context.Context, pid int) error {
	m.mu.Lock()
	if m.stopErr != nil {
		m.mu.Unlock()
		return m.stopErr
	}
	m.stopped = append(m.stopped, pid)
	m.mu.Unlock()
	m.exit(pid, execbackend.Exit{Reason: "signal: terminated"})
	return nil
}

func (m *mockProcess) Terminate(_ context.Context, pid int) error {
	m.mu.Lock()
	m.terminated = append(m.terminated, pid)
	m.mu.Unlock()
	m.exit(pid, execbackend.Exit{Reason: "signal: killed"})
	return nil
}

func (m *mockProcess) Sample(context.Context, int) ([]agent.Reading, error) {
	v := 0.0
	if m.running {
		v = 1
	}
	return []agent.Reading{{Name: agent.MetricProcessRunning, Value: v, Unit: agent.UnitBoolean}}, nil
}

func (m *mockProcess) launchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.launched)
}

// --- minter, events, cache ---

type mockMinter struct {
	credErr error
	grants  []tokenminter.Grant
}

func (m *mockMinter) Mint(_ context.Context, g tokenminter.Grant) (string, error) {
	m.grants = append(m.grants, g)
	return "token-" + g.AgentID, nil
}

func (m *mockMinter) Credentials() (tokenminter.Credentials, error) {
	if m.credErr != nil {
		return tokenminter.Credentials{}, m.credErr
	}
	return tokenminter.Credentials{URL: "ws://lk:7880", APIKey: "key", APISecret: "secret"}, nil
}

type broadcastEvent struct {
	projectID string
	eventType string
	payload   any
}

type mockBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, projectID, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, broadcastEvent{projectID, eventType, payload})
}

func (m *mockBroadcaster) ofType(eventType string) []broadcastEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []broadcastEvent
	for _, e := range m.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type published struct {
	subject string
	data    []byte
}

type mockQueue struct {
	mu         sync.Mutex
	publishErr error
	messages   []published
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.messages = append(m.messages, published{subject, data})
	return nil
}

func (m *mockQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

func (m *mockQueue) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg.subject)
	}
	return out
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type mockSink struct {
	mu   sync.Mutex
	err  error
	recs []agent.LogRecord
}

func (m *mockSink) AppendLog(_ context.Context, rec agent.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

// --- fixture ---

type fixture struct {
	store     *memStore
	container *mockContainer
	process   *mockProcess
	minter    *mockMinter
	hub       *mockBroadcaster
	queue     *mockQueue
	cache     *memCache
	logs      *LogCapture
	svc       *LifecycleService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		container: &mockContainer{},
		process:   newMockProcess(),
		minter:    &mockMinter{},
		hub:       &mockBroadcaster{},
		queue:     &mockQueue{},
		cache:     newMemCache(),
	}
	f.logs = NewLogCapture(f.store)
	f.logs.SetBroadcaster(f.hub)
	cfg := config.Defaults().Agents
	f.svc = NewLifecycleService(f.store, f.container, f.process, f.minter, f.logs, cfg)
	f.svc.SetCache(f.cache)
	f.svc.SetQueue(f.queue)
	f.svc.SetBroadcaster(f.hub)
	return f
}

// tick replaces the service clock with one that moves a second forward on
// every read.
func (f *fixture) tick() {
	var mu sync.Mutex
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Second)
		return at
	}
}

// definition stores an enabled definition in the test project.
func (f *fixture) definition(t *testing.T, mutate func(*agent.Definition)) *agent.Definition {
	t.Helper()
	req := agent.CreateRequest{Image: "livekit/agent:test", EnvVars: map[string]string{"MODE": "test"}}
	d, err := req.Build(testProject)
	if err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(d)
	}
	out, err := f.store.CreateDefinition(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func ownerCtx() context.Context {
	return principal.NewContext(context.Background(), &principal.Principal{UserID: testOwner, Admin: true})
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
