package fleet

import "context"

// Instance tags. Every instance of a run carries TagApp and TagRun.
const (
	TagName = "Name"
	TagApp  = "starship:app"
	TagRun  = "starship:run"
	TagRole = "starship:role"

	AppName = "starship"

	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
)

// InstanceSpec describes one instance to create.
type InstanceSpec struct {
	Name             string
	Zone             string
	InstanceType     string
	ImageID          string
	SubnetID         string
	SecurityGroupIDs []string
	InstanceProfile  string
	KeyName          string
	UserData         string
	Tags             map[string]string
}

// Instance is a created instance.
type Instance struct {
	ID        string
	Name      string
	Role      string
	Zone      string
	State     string
	PrivateIP string
	PublicIP  string
}

// Provisioner creates and destroys instances.
type Provisioner interface {
	// Launch starts one instance and returns without waiting for it.
	Launch(ctx context.Context, spec InstanceSpec) (Instance, error)
	// WaitRunning blocks until the instance runs and returns its addresses.
	WaitRunning(ctx context.Context, id string) (Instance, error)
	// Find lists live (not terminated) instances carrying every given tag.
	Find(ctx context.Context, tags map[string]string) ([]Instance, error)
	// Terminate destroys instances. Already terminated ids are not an error.
	Terminate(ctx context.Context, ids []string) error
}
