package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/agentplane/internal/adapter/otel"
	"github.com/Strob0t/agentplane/internal/adapter/ws"
	"github.com/Strob0t/agentplane/internal/config"
	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/domain/resource"
	"github.com/Strob0t/agentplane/internal/logger"
	"github.com/Strob0t/agentplane/internal/port/broadcast"
	"github.com/Strob0t/agentplane/internal/port/cache"
	"github.com/Strob0t/agentplane/internal/port/database"
	"github.com/Strob0t/agentplane/internal/port/execbackend"
	"github.com/Strob0t/agentplane/internal/port/messagequeue"
	"github.com/Strob0t/agentplane/internal/port/tokenminter"
)

const probeCacheKey = "probe.docker"

// Environment variables every agent receives.
const (
	EnvLiveKitURL       = "LIVEKIT_URL"
	EnvLiveKitAPIKey    = "LIVEKIT_API_KEY"
	EnvLiveKitAPISecret = "LIVEKIT_API_SECRET"
	EnvAgentToken       = "LIVEKIT_AGENT_TOKEN"
	EnvInstanceID       = "AGENT_INSTANCE_ID"
	EnvRoom             = "LIVEKIT_ROOM"
)

// LifecycleService deploys agent definitions onto an execution backend and
// drives their instances through the lifecycle state machine. Every state
// write is a compare-and-set in the store.
type LifecycleService struct {
	store     database.Store
	container execbackend.Container
	process   execbackend.Process
	minter    tokenminter.Minter
	logs      *LogCapture
	cfg       config.Agents
	access    *access

	cache   cache.Cache
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	metrics *otel.Metrics
	now     func() time.Time

	// stopping holds pids whose exit was requested, so the exit watcher
	// does not report them as crashed.
	stopping sync.Map
}

// NewLifecycleService creates a LifecycleService.
func NewLifecycleService(
	store database.Store,
	container execbackend.Container,
	process execbackend.Process,
	minter tokenminter.Minter,
	logs *LogCapture,
	cfg config.Agents,
) *LifecycleService {
	return &LifecycleService{
		store:     store,
		container: container,
		process:   process,
		minter:    minter,
		logs:      logs,
		cfg:       cfg,
		access:    &access{store: store},
		now:       time.Now,
	}
}

// SetCache attaches the cache used for runtime probes and ownership lookups.
func (s *LifecycleService) SetCache(c cache.Cache) {
	s.cache = c
	s.access.cache = c
}

// SetQueue attaches the message queue lifecycle events are published on.
func (s *LifecycleService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetBroadcaster attaches the WebSocket hub.
func (s *LifecycleService) SetBroadcaster(hub broadcast.Broadcaster) { s.hub = hub }

// SetMetrics attaches the lifecycle metric instruments.
func (s *LifecycleService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Deploy launches a new instance of the definition agentID in projectID.
func (s *LifecycleService) Deploy(ctx context.Context, projectID, agentID string, req agent.DeployRequest) (_ *agent.Instance, err error) {
	ctx, span := otel.StartLifecycleSpan(ctx, "deploy", agentID, "")
	defer func() { otel.EndSpan(span, err) }()

	if err := s.access.project(ctx, projectID); err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	if !def.Enabled {
		return nil, fmt.Errorf("%w: %s", domain.ErrDefinitionDisabled, agentID)
	}
	kind, err := agent.ResolveKind(req.DeploymentType, s.cfg.DefaultDeployment)
	if err != nil {
		return nil, err
	}
	if err := s.checkCapacity(ctx, def); err != nil {
		return nil, err
	}
	if kind == agent.KindContainer {
		if err := s.probeContainer(ctx); err != nil {
			return nil, err
		}
	}

	instanceID := agent.NewInstanceID()
	ctx = logger.WithInstanceID(ctx, instanceID)
	spec, err := s.launchSpec(ctx, def, instanceID, req.RoomName)
	if err != nil {
		return nil, err
	}

	var inst *agent.Instance
	switch kind {
	case agent.KindContainer:
		inst, err = s.deployContainer(ctx, def, spec)
	case agent.KindProcess:
		inst, err = s.deployProcess(ctx, def, spec)
	}
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "agent deployed", "agent_id", def.AgentID, "kind", kind)
	s.metrics.RecordDeploy(ctx, string(kind))
	s.emit(ctx, def, inst, agent.StatusPending)
	return inst, nil
}

func (s *LifecycleService) deployContainer(ctx context.Context, def *agent.Definition, spec execbackend.LaunchSpec) (*agent.Instance, error) {
	start := s.now()
	containerID, err := s.container.Launch(ctx, spec)
	s.metrics.RecordBackendCall(ctx, string(agent.KindContainer), "launch", start, err)
	if err != nil {
		return nil, err
	}
	inst, err := s.store.CreateInstance(ctx, agent.CreateInstanceRequest{
		InstanceID:   spec.InstanceID,
		DefinitionID: def.ID,
		Handle:       agent.ContainerHandle(containerID),
		StartedAt:    start,
	})
	if err != nil {
		if rmErr := s.container.ForceRemove(context.WithoutCancel(ctx), containerID); rmErr != nil {
			slog.ErrorContext(ctx, "remove unrecorded container", "container_id", containerID, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: persist instance: %v", domain.ErrOperationFailed, err)
	}
	return inst, nil
}

func (s *LifecycleService) deployProcess(ctx context.Context, def *agent.Definition, spec execbackend.LaunchSpec) (*agent.Instance, error) {
	start := s.now()
	lp, err := s.process.Launch(ctx, spec)
	s.metrics.RecordBackendCall(ctx, string(agent.KindProcess), "launch", start, err)
	if err != nil {
		return nil, err
	}
	inst, err := s.store.CreateInstance(ctx, agent.CreateInstanceRequest{
		InstanceID:   spec.InstanceID,
		DefinitionID: def.ID,
		Handle:       agent.ProcessHandle(lp.PID),
		StartedAt:    start,
	})
	if err != nil {
		s.abandon(ctx, lp)
		return nil, fmt.Errorf("%w: persist instance: %v", domain.ErrOperationFailed, err)
	}
	s.attach(def, inst, lp)
	return inst, nil
}

// abandon kills a launched process that could not be recorded.
func (s *LifecycleService) abandon(ctx context.Context, lp *execbackend.LaunchedProcess) {
	discardStreams(lp.Streams)
	if err := s.process.Terminate(context.WithoutCancel(ctx), lp.PID); err != nil {
		slog.ErrorContext(ctx, "terminate unrecorded process", "pid", lp.PID, "error", err)
	}
}

// attach hands the process output to the log capture and watches for an
// unexpected exit.
func (s *LifecycleService) attach(def *agent.Definition, inst *agent.Instance, lp *execbackend.LaunchedProcess) {
	s.logs.Start(CaptureTarget{
		InstanceID:    inst.InstanceID,
		InstanceRowID: inst.ID,
		DefinitionID:  def.ID,
		ProjectID:     def.ProjectID,
	}, lp.Streams)
	go s.watchExit(def, inst.InstanceID, lp.PID, lp.Exited)
}

// Start resumes a stopped or crashed instance. Process instances are
// re-launched from their definition under the same instance id.
func (s *LifecycleService) Start(ctx context.Context, instanceID string) (_ *agent.Instance, err error) {
	ctx, span := otel.StartLifecycleSpan(ctx, "start", "", instanceID)
	defer func() { otel.EndSpan(span, err) }()
	ctx = logger.WithInstanceID(ctx, instanceID)

	inst, def, err := s.access.loadInstance(ctx, s.store, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == agent.StatusRunning {
		return nil, fmt.Errorf("%w: instance %s is already running", domain.ErrInvalidTransition, instanceID)
	}
	if err := inst.Handle.Validate(); err != nil {
		return nil, err
	}

	from := inst.Status
	now := s.now()
	upd := database.InstanceUpdate{Status: agent.StatusRunning, StartedAt: &now}

	var lp *execbackend.LaunchedProcess
	switch inst.Handle.Kind {
	case agent.KindContainer:
		err = s.container.Start(ctx, inst.Handle.ContainerID)
		s.metrics.RecordBackendCall(ctx, string(agent.KindContainer), "start", now, err)
		if err != nil {
			return nil, err
		}
	case agent.KindProcess:
		spec, specErr := s.launchSpec(ctx, def, instanceID, nil)
		if specErr != nil {
			return nil, specErr
		}
		lp, err = s.process.Launch(ctx, spec)
		s.metrics.RecordBackendCall(ctx, string(agent.KindProcess), "launch", now, err)
		if err != nil {
			return nil, fmt.Errorf("%w: relaunch: %v", domain.ErrOperationFailed, err)
		}
		h := agent.ProcessHandle(lp.PID)
		upd.Handle = &h
	}

	out, err := s.store.TransitionInstance(ctx, instanceID, from, upd)
	if err != nil {
		if lp != nil {
			s.abandon(ctx, lp)
		}
		return nil, transitionError(err)
	}
	if lp != nil {
		s.attach(def, out, lp)
	}

	slog.InfoContext(ctx, "agent instance started", "from", from)
	s.emit(ctx, def, out, from)
	return out, nil
}

// Stop halts a running or crashed instance.
func (s *LifecycleService) Stop(ctx context.Context, instanceID string) (_ *agent.Instance, err error) {
	ctx, span := otel.StartLifecycleSpan(ctx, "stop", "", instanceID)
	defer func() { otel.EndSpan(span, err) }()
	ctx = logger.WithInstanceID(ctx, instanceID)

	inst, def, err := s.access.loadInstance(ctx, s.store, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.CanTransition(agent.StatusStopped) {
		return nil, fmt.Errorf("%w: instance %s is %s", domain.ErrInvalidTransition, instanceID, inst.Status)
	}
	if err := inst.Handle.Validate(); err != nil {
		return nil, err
	}

	from := inst.Status
	start := s.now()
	switch inst.Handle.Kind {
	case agent.KindContainer:
		err = s.container.Stop(ctx, inst.Handle.ContainerID)
		s.metrics.RecordBackendCall(ctx, string(agent.KindContainer), "stop", start, err)
	case agent.KindProcess:
		if from == agent.StatusCrashed {
			// The exit watcher saw the process die; its pid is free for reuse.
			break
		}
		pid := inst.Handle.PID
		s.stopping.Store(pid, struct{}{})
		defer s.stopping.Delete(pid)
		err = s.process.Stop(ctx, pid)
		s.metrics.RecordBackendCall(ctx, string(agent.KindProcess), "stop", start, err)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	out, err := s.store.TransitionInstance(ctx, instanceID, from, database.InstanceUpdate{
		Status:    agent.StatusStopped,
		StoppedAt: &now,
	})
	if err != nil {
		return nil, transitionError(err)
	}

	slog.InfoContext(ctx, "agent instance stopped", "from", from)
	s.emit(ctx, def, out, from)
	return out, nil
}

// Restart stops the instance if it is running, then starts it again.
// A failing step leaves the instance as that step found it.
func (s *LifecycleService) Restart(ctx context.Context, instanceID string) (*agent.Instance, error) {
	inst, _, err := s.access.loadInstance(ctx, s.store, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == agent.StatusRunning {
		if _, err := s.Stop(ctx, instanceID); err != nil {
			return nil, fmt.Errorf("restart: %w", err)
		}
	}
	out, err := s.Start(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("restart: %w", err)
	}
	return out, nil
}

// DeleteDefinition tears down every instance of the definition and removes
// it with its instances, logs and metrics. Individual teardown failures are
// logged and skipped.
func (s *LifecycleService) DeleteDefinition(ctx context.Context, projectID, agentID string) (err error) {
	ctx, span := otel.StartLifecycleSpan(ctx, "delete", agentID, "")
	defer func() { otel.EndSpan(span, err) }()

	if err := s.access.project(ctx, projectID); err != nil {
		return err
	}
	def, err := s.store.GetDefinition(ctx, projectID, agentID)
	if err != nil {
		return fmt.Errorf("get definition: %w", err)
	}
	instances, err := s.store.ListInstances(ctx, def.ID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	payload := messagequeue.DefinitionDeletePayload{AgentID: def.AgentID, ProjectID: def.ProjectID}
	for i := range instances {
		inst := &instances[i]
		payload.Instances = append(payload.Instances, inst.InstanceID)
		if err := s.teardown(ctx, inst); err != nil {
			slog.WarnContext(ctx, "teardown agent instance", "instance_id", inst.InstanceID, "error", err)
			payload.Failed = append(payload.Failed, inst.InstanceID)
		}
	}

	if err := s.store.DeleteDefinition(ctx, def.ID); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	slog.InfoContext(ctx, "agent definition deleted", "agent_id", def.AgentID, "instances", len(instances), "failed", len(payload.Failed))
	s.publish(ctx, messagequeue.SubjectDefinitionDelete, payload)
	return nil
}

// teardown removes the workload behind inst, whatever its status. The
// process runtime ignores pids that are not its live children.
func (s *LifecycleService) teardown(ctx context.Context, inst *agent.Instance) error {
	if err := inst.Handle.Validate(); err != nil {
		return err
	}
	switch inst.Handle.Kind {
	case agent.KindContainer:
		return s.container.ForceRemove(ctx, inst.Handle.ContainerID)
	case agent.KindProcess:
		s.stopping.Store(inst.Handle.PID, struct{}{})
		return s.process.Terminate(ctx, inst.Handle.PID)
	}
	return nil
}

// GetInstance returns one instance.
func (s *LifecycleService) GetInstance(ctx context.Context, instanceID string) (*agent.Instance, error) {
	inst, _, err := s.access.loadInstance(ctx, s.store, instanceID)
	return inst, err
}

// ListInstances returns the instances of one definition, or of the whole
// project when agentID is empty.
func (s *LifecycleService) ListInstances(ctx context.Context, projectID, agentID string) ([]agent.Instance, error) {
	if err := s.access.project(ctx, projectID); err != nil {
		return nil, err
	}
	if agentID == "" {
		return s.store.ListProjectInstances(ctx, projectID)
	}
	def, err := s.store.GetDefinition(ctx, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return s.store.ListInstances(ctx, def.ID)
}

// Heartbeat stamps the instance's last heartbeat. It is called by agents,
// not operators, and performs no ownership check.
func (s *LifecycleService) Heartbeat(ctx context.Context, instanceID string) error {
	if err := s.store.TouchHeartbeat(ctx, instanceID, s.now()); err != nil {
		return fmt.Errorf("heartbeat %s: %w", instanceID, err)
	}
	return nil
}

// HandleHeartbeat consumes agents.instance.heartbeat messages. Heartbeats
// for unknown instances are dropped.
func (s *LifecycleService) HandleHeartbeat(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.InstanceHeartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	if p.InstanceID == "" {
		return nil
	}
	err := s.Heartbeat(ctx, p.InstanceID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.DebugContext(ctx, "heartbeat for unknown instance dropped", "instance_id", p.InstanceID)
		return nil
	}
	return err
}

// watchExit records an exit nobody asked for as a crash.
func (s *LifecycleService) watchExit(def *agent.Definition, instanceID string, pid int, exited <-chan execbackend.Exit) {
	ex, ok := <-exited
	if !ok {
		return
	}
	if _, expected := s.stopping.LoadAndDelete(pid); expected {
		return
	}

	ctx := logger.WithInstanceID(context.Background(), instanceID)
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		slog.WarnContext(ctx, "crash check: load instance", "error", err)
		return
	}
	if inst.Status != agent.StatusRunning || inst.Handle.PID != pid {
		return
	}

	now := s.now()
	reason := ex.Reason
	out, err := s.store.TransitionInstance(ctx, instanceID, agent.StatusRunning, database.InstanceUpdate{
		Status:      agent.StatusCrashed,
		StoppedAt:   &now,
		ExitCode:    ex.Code,
		CrashReason: &reason,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			slog.ErrorContext(ctx, "record agent crash", "error", err)
		}
		return
	}

	slog.WarnContext(ctx, "agent process crashed", "pid", pid, "reason", reason)
	s.emit(ctx, def, out, agent.StatusRunning)
	s.publish(ctx, messagequeue.SubjectInstanceCrashed, messagequeue.InstanceCrashedPayload{
		InstanceID:  instanceID,
		AgentID:     def.AgentID,
		ProjectID:   def.ProjectID,
		ExitCode:    ex.Code,
		CrashReason: reason,
	})
}

// limits returns the definition's limits merged over the configured
// defaults and capped at the configured ceiling.
func (s *LifecycleService) limits(def *agent.Definition) resource.Limits {
	return resource.Cap(resource.Merge(s.cfg.DefaultLimits, def.ResourceLimits), s.cfg.MaxLimits)
}

func (s *LifecycleService) checkCapacity(ctx context.Context, def *agent.Definition) error {
	limit := s.limits(def).MaxInstances
	if limit == nil || *limit <= 0 {
		return nil
	}
	n, err := s.store.CountInstances(ctx, def.ID, agent.StatusRunning)
	if err != nil {
		return fmt.Errorf("count instances: %w", err)
	}
	if n >= *limit {
		return fmt.Errorf("%w: %s already runs %d of %d instances", domain.ErrValidation, def.AgentID, n, *limit)
	}
	return nil
}

// probeContainer checks that the container runtime answers. Successful
// probes are cached; failures never are.
func (s *LifecycleService) probeContainer(ctx context.Context) error {
	_, err := cache.GetOrLoad(ctx, s.cache, probeCacheKey, s.cfg.ProbeTTL, func(ctx context.Context) ([]byte, error) {
		if err := s.container.Probe(ctx); err != nil {
			return nil, err
		}
		return []byte("ok"), nil
	})
	return err
}

func (s *LifecycleService) launchSpec(ctx context.Context, def *agent.Definition, instanceID string, room *string) (execbackend.LaunchSpec, error) {
	creds, err := s.minter.Credentials()
	if err != nil {
		return execbackend.LaunchSpec{}, err
	}
	token, err := s.minter.Mint(ctx, tokenminter.Grant{
		AgentID:     def.AgentID,
		DisplayName: def.DisplayName,
		Room:        room,
		Permissions: def.Permissions,
	})
	if err != nil {
		return execbackend.LaunchSpec{}, fmt.Errorf("mint agent token: %w", err)
	}
	return execbackend.LaunchSpec{
		InstanceID: instanceID,
		Image:      def.Image,
		Entrypoint: def.Entrypoint,
		Env:        agentEnv(creds, token, instanceID, room, def.EnvVars),
		Limits:     s.limits(def),
	}, nil
}

// agentEnv renders the base variables followed by the definition's custom
// variables in key order. Custom keys never replace a base variable.
func agentEnv(creds tokenminter.Credentials, token, instanceID string, room *string, custom map[string]string) []string {
	base := [][2]string{
		{EnvLiveKitURL, creds.URL},
		{EnvLiveKitAPIKey, creds.APIKey},
		{EnvLiveKitAPISecret, creds.APISecret},
		{EnvAgentToken, token},
		{EnvInstanceID, instanceID},
	}
	if room != nil && *room != "" {
		base = append(base, [2]string{EnvRoom, *room})
	}

	reserved := make(map[string]bool, len(base))
	env := make([]string, 0, len(base)+len(custom))
	for _, kv := range base {
		reserved[kv[0]] = true
		env = append(env, kv[0]+"="+kv[1])
	}

	keys := make([]string, 0, len(custom))
	for k := range custom {
		if !reserved[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+custom[k])
	}
	return env
}

// transitionError keeps the lifecycle kinds of a failed compare-and-set and
// reports anything else as a failed write.
func transitionError(err error) error {
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: persist transition: %v", domain.ErrOperationFailed, err)
}

// emit announces a successful transition. Delivery is best-effort.
func (s *LifecycleService) emit(ctx context.Context, def *agent.Definition, inst *agent.Instance, from agent.Status) {
	s.metrics.RecordTransition(ctx, string(from), string(inst.Status))
	at := s.now()
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, def.ProjectID, broadcast.EventInstanceStatus, ws.InstanceStatusEvent{
			InstanceID: inst.InstanceID,
			AgentID:    def.AgentID,
			ProjectID:  def.ProjectID,
			From:       string(from),
			Status:     string(inst.Status),
			ExitCode:   inst.ExitCode,
			At:         at,
		})
	}
	s.publish(ctx, messagequeue.SubjectInstanceStatus, messagequeue.InstanceStatusPayload{
		InstanceID: inst.InstanceID,
		AgentID:    def.AgentID,
		ProjectID:  def.ProjectID,
		Kind:       string(inst.Handle.Kind),
		From:       string(from),
		Status:     string(inst.Status),
		At:         at,
	})
}

func (s *LifecycleService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal event", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.WarnContext(ctx, "publish event", "subject", subject, "error", err)
	}
}
