package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/starship/pkg/jobspec"
	"github.com/3leaps/starship/pkg/protocol"
	"github.com/3leaps/starship/pkg/provider"
	"github.com/3leaps/starship/pkg/provider/file"
	"github.com/3leaps/starship/pkg/runregistry"
)

// fakeProvisioner keeps instances in memory.
type fakeProvisioner struct {
	mu        sync.Mutex
	next      int
	instances map[string]*fakeInstance
	failNames map[string]bool
}

type fakeInstance struct {
	Instance
	spec       InstanceSpec
	terminated bool
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{instances: make(map[string]*fakeInstance), failNames: make(map[string]bool)}
}

func (f *fakeProvisioner) Launch(_ context.Context, spec InstanceSpec) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNames[spec.Name] {
		return Instance{}, errors.New("insufficient capacity")
	}
	f.next++
	inst := Instance{
		ID:        fmt.Sprintf("i-%d", f.next),
		Name:      spec.Name,
		Role:      spec.Tags[TagRole],
		Zone:      spec.Zone,
		State:     "pending",
		PrivateIP: fmt.Sprintf("10.0.0.%d", f.next),
	}
	f.instances[inst.ID] = &fakeInstance{Instance: inst, spec: spec}
	return inst, nil
}

func (f *fakeProvisioner) WaitRunning(_ context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("unknown instance %s", id)
	}
	inst.State = "running"
	return inst.Instance, nil
}

func (f *fakeProvisioner) Find(_ context.Context, tags map[string]string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Instance
	for _, inst := range f.instances {
		if inst.terminated {
			continue
		}
		match := true
		for k, v := range tags {
			if inst.spec.Tags[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, inst.Instance)
		}
	}
	return out, nil
}

func (f *fakeProvisioner) Terminate(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if inst, ok := f.instances[id]; ok {
			inst.terminated = true
		}
	}
	return nil
}

func (f *fakeProvisioner) specs() []InstanceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InstanceSpec, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *fakeProvisioner) live() int {
	found, _ := f.Find(context.Background(), nil)
	return len(found)
}

// scriptedStatus replays responses; the last one repeats.
type scriptedStatus struct {
	mu    sync.Mutex
	steps []statusStep
	calls int
}

type statusStep struct {
	resp *protocol.StatusResponse
	err  error
}

func (s *scriptedStatus) Status(context.Context) (*protocol.StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i].resp, s.steps[i].err
}

type launchFixture struct {
	prov     *fakeProvisioner
	storeDir string
	registry *runregistry.Store
	logs     *observer.ObservedLogs
	baseURL  string
	launcher *Launcher
}

func newLaunchFixture(t *testing.T, status StatusSource) *launchFixture {
	t.Helper()
	storeDir := t.TempDir()
	store, err := file.New(file.Config{BaseDir: storeDir})
	require.NoError(t, err)
	require.NoError(t, provider.PutBytes(context.Background(), store, DefaultBinaryKey, []byte("\x7fELF")))

	core, logs := observer.New(zap.DebugLevel)
	f := &launchFixture{
		prov:     newFakeProvisioner(),
		storeDir: storeDir,
		registry: runregistry.NewStore(t.TempDir()),
		logs:     logs,
	}
	f.launcher = NewLauncher(f.prov, store,
		WithLauncherLogger(zap.New(core)),
		WithRegistry(f.registry),
		WithStatusInterval(time.Millisecond),
		WithStatusSource(func(baseURL string) (StatusSource, error) {
			f.baseURL = baseURL
			return status, nil
		}),
	)
	return f
}

func testPlan() *Plan {
	p := &Plan{
		Region:            "us-east-1",
		Zones:             []string{"us-east-1a", "us-east-1b"},
		Workers:           3,
		MaxWorkersPerZone: 2,
		ImageID:           "ami-1",
		Bucket:            "media",
		SubnetIDs:         map[string]string{"us-east-1b": "subnet-b"},
	}
	p.applyDefaults()
	return p
}

var testJobs = []map[string]any{{"url": "https://example.com/a"}, {"url": "https://example.com/b"}}

func TestLauncher_RunCompletes(t *testing.T) {
	status := &scriptedStatus{steps: []statusStep{
		{err: protocol.ErrUnavailable},
		{resp: &protocol.StatusResponse{Total: 2, Finished: 1, Downloading: 1, Workers: map[string]protocol.WorkerStatus{
			"w1": {Status: "ok"},
			"w2": {Status: "err", Message: "disk full"},
		}}},
		{resp: &protocol.StatusResponse{Total: 2, Finished: 2, Failed: 1, Done: true}},
	}}
	f := newLaunchFixture(t, status)

	res, err := f.launcher.Run(context.Background(), LaunchRequest{RunID: "starship-r1", Plan: testPlan(), Jobs: testJobs})
	require.NoError(t, err)

	assert.Equal(t, "starship-r1-srv", res.Coordinator.Name)
	require.Len(t, res.Workers, 3)
	assert.Equal(t, 4, res.Terminated)
	assert.True(t, res.Final.Done)
	assert.Equal(t, 0, f.prov.live(), "every instance is terminated")
	assert.Equal(t, "http://10.0.0.1:8080", f.baseURL)

	specs := f.prov.specs()
	require.Len(t, specs, 4)
	assert.Equal(t, "starship-r1-srv", specs[0].Name)
	assert.Equal(t, "us-east-1a", specs[0].Zone)
	assert.Equal(t, DefaultServerInstanceType, specs[0].InstanceType)
	assert.Contains(t, specs[0].UserData, "starship serve")
	assert.Equal(t, []string{"us-east-1a", "us-east-1b", "us-east-1b"}, []string{specs[1].Zone, specs[2].Zone, specs[3].Zone})
	assert.Equal(t, "starship-r1-wrk-0", specs[1].Name)
	assert.Equal(t, "subnet-b", specs[2].SubnetID)
	assert.Contains(t, specs[1].UserData, "--server '10.0.0.1:8080'")
	for _, s := range specs {
		assert.Equal(t, "starship-r1", s.Tags[TagRun])
		assert.Equal(t, AppName, s.Tags[TagApp])
	}

	data, err := os.ReadFile(filepath.Join(f.storeDir, "runs", "starship-r1", "jobs.json"))
	require.NoError(t, err)
	jobs, err := jobspec.Parse(data, jobspec.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, testJobs, jobs)
	assert.FileExists(t, filepath.Join(f.storeDir, "runs", "starship-r1", "worker.sh"))

	rec, err := f.registry.Get("starship-r1")
	require.NoError(t, err)
	assert.Equal(t, runregistry.RunStateComplete, rec.State)
	assert.Equal(t, "i-1", rec.CoordinatorInstanceID)
	assert.Len(t, rec.WorkerInstanceIDs, 3)
	require.NotNil(t, rec.Progress)
	assert.Equal(t, 2, rec.Progress.Finished)
	assert.NotNil(t, rec.EndedAt)

	assert.Equal(t, 1, f.logs.FilterMessage("Worker unhealthy").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("Finished processing!").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("Finished 1/2 (0 failed, 0 skipped, 1 downloading)").Len())
}

func TestLauncher_RefusesWhenFleetRunning(t *testing.T) {
	f := newLaunchFixture(t, &scriptedStatus{steps: []statusStep{{err: protocol.ErrUnavailable}}})
	_, err := f.prov.Launch(context.Background(), InstanceSpec{Name: "starship-old-srv", Tags: map[string]string{TagApp: AppName, TagRun: "starship-old"}})
	require.NoError(t, err)

	_, err = f.launcher.Run(context.Background(), LaunchRequest{RunID: "starship-r2", Plan: testPlan(), Jobs: testJobs})
	require.ErrorIs(t, err, ErrFleetRunning)
	assert.Contains(t, err.Error(), "starship-old-srv")
	assert.Equal(t, 1, f.prov.live(), "existing instances are left alone")

	_, err = f.registry.Get("starship-r2")
	assert.ErrorIs(t, err, runregistry.ErrNotFound)
}

func TestLauncher_CancelTearsDown(t *testing.T) {
	f := newLaunchFixture(t, &scriptedStatus{steps: []statusStep{{err: protocol.ErrUnavailable}}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := f.launcher.Run(ctx, LaunchRequest{RunID: "starship-r3", Plan: testPlan(), Jobs: testJobs})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 4, res.Terminated)
	assert.Equal(t, 0, f.prov.live())

	rec, err := f.registry.Get("starship-r3")
	require.NoError(t, err)
	assert.Equal(t, runregistry.RunStateInterrupted, rec.State)
	assert.NotEmpty(t, rec.Error)
	assert.Positive(t, f.logs.FilterMessage("Coordinator not yet live, retrying").Len())
}

func TestLauncher_WorkerLaunchFailures(t *testing.T) {
	status := &scriptedStatus{steps: []statusStep{{resp: &protocol.StatusResponse{Total: 2, Finished: 2, Done: true}}}}

	t.Run("partial", func(t *testing.T) {
		f := newLaunchFixture(t, status)
		f.prov.failNames["starship-r4-wrk-1"] = true

		res, err := f.launcher.Run(context.Background(), LaunchRequest{RunID: "starship-r4", Plan: testPlan(), Jobs: testJobs})
		require.NoError(t, err)
		assert.Len(t, res.Workers, 2)
		assert.Equal(t, 1, f.logs.FilterMessage("Failed to launch worker").Len())
	})

	t.Run("none", func(t *testing.T) {
		f := newLaunchFixture(t, status)
		for i := 0; i < 3; i++ {
			f.prov.failNames[fmt.Sprintf("starship-r5-wrk-%d", i)] = true
		}

		res, err := f.launcher.Run(context.Background(), LaunchRequest{RunID: "starship-r5", Plan: testPlan(), Jobs: testJobs})
		require.Error(t, err)
		assert.Equal(t, 1, res.Terminated, "the coordinator is still torn down")

		rec, err := f.registry.Get("starship-r5")
		require.NoError(t, err)
		assert.Equal(t, runregistry.RunStateFailed, rec.State)
	})
}

func TestLauncher_CapacityLimitsWorkers(t *testing.T) {
	f := newLaunchFixture(t, &scriptedStatus{steps: []statusStep{{resp: &protocol.StatusResponse{Done: true}}}})
	plan := testPlan()
	plan.Workers = 10

	res, err := f.launcher.Run(context.Background(), LaunchRequest{RunID: "starship-r6", Plan: plan, Jobs: testJobs})
	require.NoError(t, err)
	assert.Len(t, res.Workers, plan.Capacity())
	assert.Equal(t, 1, f.logs.FilterMessage("Not enough zones for every worker, launching fewer").Len())
}

func TestLauncher_RunValidation(t *testing.T) {
	f := newLaunchFixture(t, &scriptedStatus{steps: []statusStep{{err: protocol.ErrUnavailable}}})

	_, err := f.launcher.Run(context.Background(), LaunchRequest{Jobs: testJobs})
	assert.Error(t, err)

	_, err = f.launcher.Run(context.Background(), LaunchRequest{Plan: testPlan()})
	assert.ErrorIs(t, err, jobspec.ErrEmpty)
}

func TestLauncher_GeneratesRunID(t *testing.T) {
	f := newLaunchFixture(t, &scriptedStatus{steps: []statusStep{{resp: &protocol.StatusResponse{Done: true}}}})

	res, err := f.launcher.Run(context.Background(), LaunchRequest{Plan: testPlan(), Jobs: testJobs})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.RunID, "starship-"))
	assert.Equal(t, res.RunID+"-srv", res.Coordinator.Name)
}

func TestLauncher_Teardown(t *testing.T) {
	f := newLaunchFixture(t, nil)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		_, err := f.prov.Launch(ctx, InstanceSpec{Name: name, Tags: map[string]string{TagRun: "starship-x"}})
		require.NoError(t, err)
	}
	_, err := f.prov.Launch(ctx, InstanceSpec{Name: "c", Tags: map[string]string{TagRun: "starship-y"}})
	require.NoError(t, err)

	n, err := f.launcher.Teardown(ctx, "starship-x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.prov.live())

	n, err = f.launcher.Teardown(ctx, "starship-x")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.launcher.Teardown(ctx, "")
	assert.Error(t, err)
}

func TestLauncher_RefusesMissingBinary(t *testing.T) {
	f := newLaunchFixture(t, &scriptedStatus{})
	plan := testPlan()
	plan.BinaryURL = "bin/missing"

	_, err := f.launcher.Run(context.Background(), LaunchRequest{RunID: "r-bin", Plan: plan, Jobs: testJobs})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bin/missing not found")
	assert.Empty(t, f.prov.instances)

	plan.BinaryURL = "https://example.com/starship"
	assert.NoError(t, f.launcher.checkBinary(context.Background(), plan.BinaryURL))
}
