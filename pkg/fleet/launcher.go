package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/starship/pkg/jobspec"
	"github.com/3leaps/starship/pkg/protocol"
	"github.com/3leaps/starship/pkg/provider"
	"github.com/3leaps/starship/pkg/runregistry"
)

// Launcher defaults.
const (
	DefaultStatusInterval  = 5 * time.Second
	DefaultStatusTimeout   = time.Second
	DefaultTeardownTimeout = 2 * time.Minute
	RunPrefix              = "runs"
)

// ErrFleetRunning indicates starship instances already exist.
var ErrFleetRunning = errors.New("starship instances are already running")

// StatusSource reports coordinator progress.
type StatusSource interface {
	Status(ctx context.Context) (*protocol.StatusResponse, error)
}

// StatusSourceFactory connects to the coordinator at baseURL.
type StatusSourceFactory func(baseURL string) (StatusSource, error)

// LaunchRequest describes one run.
type LaunchRequest struct {
	RunID    string
	Plan     *Plan
	PlanPath string
	Jobs     []map[string]any
}

// Result is the outcome of a run.
type Result struct {
	RunID       string
	Coordinator Instance
	Workers     []Instance
	Final       *protocol.StatusResponse
	Terminated  int
}

// LauncherOption customizes a Launcher.
type LauncherOption func(*Launcher)

// WithLauncherLogger sets the logger.
func WithLauncherLogger(l *zap.Logger) LauncherOption {
	return func(ln *Launcher) {
		if l != nil {
			ln.logger = l
		}
	}
}

// WithRegistry records the run in r.
func WithRegistry(r *runregistry.Store) LauncherOption {
	return func(ln *Launcher) { ln.registry = r }
}

// WithStatusInterval sets how often the coordinator is polled.
func WithStatusInterval(d time.Duration) LauncherOption {
	return func(ln *Launcher) {
		if d > 0 {
			ln.interval = d
		}
	}
}

// WithStatusSource replaces the HTTP status client.
func WithStatusSource(f StatusSourceFactory) LauncherOption {
	return func(ln *Launcher) { ln.newStatus = f }
}

// Launcher runs a fleet from launch to teardown.
type Launcher struct {
	prov      Provisioner
	store     provider.Provider
	registry  *runregistry.Store
	logger    *zap.Logger
	interval  time.Duration
	newStatus StatusSourceFactory
}

// NewLauncher creates a launcher. store receives the job list and boot
// scripts of each run.
func NewLauncher(prov Provisioner, store provider.Provider, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		prov:     prov,
		store:    store,
		logger:   zap.NewNop(),
		interval: DefaultStatusInterval,
		newStatus: func(baseURL string) (StatusSource, error) {
			return protocol.NewClient(protocol.ClientConfig{BaseURL: baseURL, Timeout: DefaultStatusTimeout})
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Preflight fails with ErrFleetRunning when any starship instance exists.
func (l *Launcher) Preflight(ctx context.Context) error {
	existing, err := l.prov.Find(ctx, map[string]string{TagApp: AppName})
	if err != nil {
		return fmt.Errorf("list existing instances: %w", err)
	}
	if len(existing) == 0 {
		return nil
	}
	names := make([]string, 0, len(existing))
	for _, inst := range existing {
		names = append(names, inst.Name+" ("+inst.ID+")")
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %v", ErrFleetRunning, names)
}

// checkBinary fails when the instances would fetch the starship binary from
// a bucket key that does not exist.
func (l *Launcher) checkBinary(ctx context.Context, binary string) error {
	if isURL(binary) {
		return nil
	}
	ok, err := provider.Exists(ctx, l.store, binary)
	if err != nil {
		return fmt.Errorf("check binary %s: %w", binary, err)
	}
	if !ok {
		return fmt.Errorf("binary %s not found in bucket; upload a linux build first", binary)
	}
	return nil
}

// Run launches the coordinator and workers, waits for every job to reach a
// terminal status and terminates all instances of the run. Instances are
// terminated on every return path, including cancellation.
func (l *Launcher) Run(ctx context.Context, req LaunchRequest) (res *Result, err error) {
	if req.Plan == nil {
		return nil, errors.New("fleet plan is required")
	}
	if len(req.Jobs) == 0 {
		return nil, jobspec.ErrEmpty
	}
	if req.RunID == "" {
		req.RunID = runregistry.NewRunID()
	}
	plan := req.Plan
	res = &Result{RunID: req.RunID}
	log := l.logger.With(zap.String("run_id", req.RunID))

	if err := l.Preflight(ctx); err != nil {
		return nil, err
	}
	if err := l.checkBinary(ctx, plan.BinaryURL); err != nil {
		return nil, err
	}
	l.record(&runregistry.RunRecord{
		RunID:     req.RunID,
		Name:      req.RunID,
		State:     runregistry.RunStateLaunching,
		PlanPath:  req.PlanPath,
		Region:    plan.Region,
		Bucket:    plan.Bucket,
		Folder:    plan.OutputFolder,
		PID:       os.Getpid(),
		Jobs:      len(req.Jobs),
		CreatedAt: time.Now().UTC(),
	})

	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTeardownTimeout)
		defer cancel()
		n, terr := l.Teardown(tctx, req.RunID)
		res.Terminated = n
		if terr != nil {
			log.Error("Teardown failed, instances may still be running", zap.Error(terr))
			err = errors.Join(err, terr)
		}
		l.finish(ctx, req.RunID, err)
	}()

	jobsKey := provider.JoinKey(RunPrefix, req.RunID, "jobs.json")
	data, err := jobspec.Encode(req.Jobs)
	if err != nil {
		return res, fmt.Errorf("encode job list: %w", err)
	}
	if err := provider.PutBytes(ctx, l.store, jobsKey, data); err != nil {
		return res, fmt.Errorf("upload job list: %w", err)
	}
	log.Info("Uploaded job list", zap.String("key", jobsKey), zap.Int("jobs", len(req.Jobs)))

	boot := BootConfig{
		Region:    plan.Region,
		Bucket:    plan.Bucket,
		BinaryURL: plan.BinaryURL,
		JobsKey:   jobsKey,
		Port:      plan.Port,
		Folder:    plan.OutputFolder,
	}

	coord, err := l.launchCoordinator(ctx, req.RunID, plan, boot)
	if err != nil {
		return res, err
	}
	res.Coordinator = coord
	boot.ServerAddr = net.JoinHostPort(coord.PrivateIP, strconv.Itoa(plan.Port))
	statusURL := "http://" + net.JoinHostPort(firstNonEmpty(coord.PublicIP, coord.PrivateIP), strconv.Itoa(plan.Port))
	log.Info("Coordinator running",
		zap.String("instance_id", coord.ID),
		zap.String("worker_addr", boot.ServerAddr),
		zap.String("status_url", statusURL))

	workers, err := l.launchWorkers(ctx, req.RunID, plan, boot)
	res.Workers = workers
	if err != nil {
		return res, err
	}

	l.update(req.RunID, func(r *runregistry.RunRecord) {
		now := time.Now().UTC()
		r.State = runregistry.RunStateRunning
		r.StartedAt = &now
		r.CoordinatorInstanceID = coord.ID
		r.CoordinatorAddr = statusURL
		for _, w := range workers {
			r.WorkerInstanceIDs = append(r.WorkerInstanceIDs, w.ID)
		}
	})

	src, err := l.newStatus(statusURL)
	if err != nil {
		return res, fmt.Errorf("create status client: %w", err)
	}
	final, err := l.Watch(ctx, req.RunID, src)
	res.Final = final
	return res, err
}

func (l *Launcher) launchCoordinator(ctx context.Context, runID string, plan *Plan, boot BootConfig) (Instance, error) {
	userData, err := ServerUserData(boot)
	if err != nil {
		return Instance{}, err
	}
	if err := provider.PutBytes(ctx, l.store, provider.JoinKey(RunPrefix, runID, "server.sh"), []byte(userData)); err != nil {
		return Instance{}, fmt.Errorf("upload server script: %w", err)
	}

	zone := plan.Zones[0]
	inst, err := l.prov.Launch(ctx, l.spec(runID, RoleCoordinator, runID+"-srv", zone, plan.ServerInstanceType, plan, userData))
	if err != nil {
		return Instance{}, fmt.Errorf("launch coordinator: %w", err)
	}
	l.update(runID, func(r *runregistry.RunRecord) { r.CoordinatorInstanceID = inst.ID })
	l.logger.Info("Launched coordinator", zap.String("instance_id", inst.ID), zap.String("zone", zone))

	running, err := l.prov.WaitRunning(ctx, inst.ID)
	if err != nil {
		return inst, fmt.Errorf("wait for coordinator: %w", err)
	}
	if running.PrivateIP == "" {
		return running, fmt.Errorf("coordinator %s has no private address", running.ID)
	}
	return running, nil
}

func (l *Launcher) launchWorkers(ctx context.Context, runID string, plan *Plan, boot BootConfig) ([]Instance, error) {
	userData, err := WorkerUserData(boot)
	if err != nil {
		return nil, err
	}
	if err := provider.PutBytes(ctx, l.store, provider.JoinKey(RunPrefix, runID, "worker.sh"), []byte(userData)); err != nil {
		return nil, fmt.Errorf("upload worker script: %w", err)
	}

	zones := plan.WorkerZones()
	if len(zones) < plan.Workers {
		l.logger.Warn("Not enough zones for every worker, launching fewer",
			zap.Int("requested", plan.Workers),
			zap.Int("capacity", len(zones)),
			zap.Int("max_per_zone", plan.MaxWorkersPerZone))
	}

	var workers []Instance
	for i, zone := range zones {
		if err := ctx.Err(); err != nil {
			return workers, err
		}
		name := fmt.Sprintf("%s-wrk-%d", runID, i)
		inst, err := l.prov.Launch(ctx, l.spec(runID, RoleWorker, name, zone, plan.WorkerInstanceType, plan, userData))
		if err != nil {
			l.logger.Error("Failed to launch worker", zap.String("name", name), zap.String("zone", zone), zap.Error(err))
			continue
		}
		workers = append(workers, inst)
		l.logger.Debug("Launched worker", zap.String("name", name), zap.String("instance_id", inst.ID), zap.String("zone", zone))
	}
	if len(workers) == 0 {
		return nil, errors.New("no worker could be launched")
	}
	l.logger.Info("Launched workers", zap.Int("count", len(workers)))
	return workers, nil
}

func (l *Launcher) spec(runID, role, name, zone, instanceType string, plan *Plan, userData string) InstanceSpec {
	return InstanceSpec{
		Name:             name,
		Zone:             zone,
		InstanceType:     instanceType,
		ImageID:          plan.ImageID,
		SubnetID:         plan.Subnet(zone),
		SecurityGroupIDs: plan.SecurityGroupIDs,
		InstanceProfile:  plan.InstanceProfile,
		KeyName:          plan.KeyName,
		UserData:         userData,
		Tags: map[string]string{
			TagName: name,
			TagApp:  AppName,
			TagRun:  runID,
			TagRole: role,
		},
	}
}

// Watch polls src until the coordinator reports every job terminal. An
// unreachable coordinator is retried until ctx ends.
func (l *Launcher) Watch(ctx context.Context, runID string, src StatusSource) (*protocol.StatusResponse, error) {
	for {
		st, err := src.Status(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			l.logger.Info("Coordinator not yet live, retrying",
				zap.Duration("interval", l.interval), zap.Error(err))
		default:
			l.logger.Info(fmt.Sprintf("Finished %d/%d (%d failed, %d skipped, %d downloading)",
				st.Finished, st.Total, st.Failed, st.Skipped, st.Downloading))
			unhealthy := st.UnhealthyWorkers()
			ids := make([]string, 0, len(unhealthy))
			for id := range unhealthy {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				w := unhealthy[id]
				l.logger.Error("Worker unhealthy",
					zap.String("worker_id", id),
					zap.String("status", w.Status),
					zap.String("message", w.Message))
			}
			l.update(runID, func(r *runregistry.RunRecord) {
				r.Progress = &runregistry.Progress{
					Total:       st.Total,
					Finished:    st.Finished,
					Failed:      st.Failed,
					Skipped:     st.Skipped,
					Downloading: st.Downloading,
					Waiting:     st.Waiting,
					ObservedAt:  time.Now().UTC(),
				}
			})
			if st.Done {
				l.logger.Info("Finished processing!")
				return st, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.interval):
		}
	}
}

// Teardown terminates every live instance tagged with runID and returns how
// many were terminated.
func (l *Launcher) Teardown(ctx context.Context, runID string) (int, error) {
	if runID == "" {
		return 0, errors.New("run id is required")
	}
	l.update(runID, func(r *runregistry.RunRecord) { r.State = runregistry.RunStateTearingDown })

	instances, err := l.prov.Find(ctx, map[string]string{TagRun: runID})
	if err != nil {
		return 0, fmt.Errorf("list run instances: %w", err)
	}
	if len(instances) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	if err := l.prov.Terminate(ctx, ids); err != nil {
		return 0, fmt.Errorf("terminate run instances: %w", err)
	}
	l.logger.Info("Terminated run instances", zap.String("run_id", runID), zap.Int("count", len(ids)))
	return len(ids), nil
}

func (l *Launcher) record(r *runregistry.RunRecord) {
	if l.registry == nil {
		return
	}
	if err := l.registry.Write(r); err != nil {
		l.logger.Warn("Failed to write run record", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

func (l *Launcher) update(runID string, fn func(*runregistry.RunRecord)) {
	if l.registry == nil {
		return
	}
	if _, err := l.registry.Update(runID, fn); err != nil && !errors.Is(err, runregistry.ErrNotFound) {
		l.logger.Warn("Failed to update run record", zap.String("run_id", runID), zap.Error(err))
	}
}

func (l *Launcher) finish(ctx context.Context, runID string, runErr error) {
	if l.registry == nil {
		return
	}
	state := runregistry.RunStateComplete
	switch {
	case ctx.Err() != nil:
		state = runregistry.RunStateInterrupted
	case runErr != nil:
		state = runregistry.RunStateFailed
	}
	if _, err := l.registry.Finish(runID, state, runErr); err != nil && !errors.Is(err, runregistry.ErrNotFound) {
		l.logger.Warn("Failed to finish run record", zap.String("run_id", runID), zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
