package fleet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalPlan = `
region: us-east-1
zones: [us-east-1a, us-east-1b]
workers: 3
image_id: ami-123
bucket: media-archive
`

func TestParsePlan_Defaults(t *testing.T) {
	p, err := ParsePlan([]byte(minimalPlan))
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", p.Region)
	assert.Equal(t, []string{"us-east-1a", "us-east-1b"}, p.Zones)
	assert.Equal(t, 3, p.Workers)
	assert.Equal(t, DefaultMaxWorkersPerZone, p.MaxWorkersPerZone)
	assert.Equal(t, DefaultServerInstanceType, p.ServerInstanceType)
	assert.Equal(t, DefaultWorkerInstanceType, p.WorkerInstanceType)
	assert.Equal(t, DefaultOutputFolder, p.OutputFolder)
	assert.Equal(t, DefaultPort, p.Port)
	assert.Equal(t, DefaultBinaryKey, p.BinaryURL)
}

func TestParsePlan_AllFields(t *testing.T) {
	p, err := ParsePlan([]byte(minimalPlan + `
max_workers_per_zone: 10
server_instance_type: m5.large
worker_instance_type: c5.large
subnet_ids:
  us-east-1a: subnet-a
security_group_ids: [sg-1]
instance_profile: starship-role
key_name: ops
output_folder: clips
port: 9000
binary_url: https://example.com/starship
`))
	require.NoError(t, err)
	assert.Equal(t, 10, p.MaxWorkersPerZone)
	assert.Equal(t, "subnet-a", p.Subnet("us-east-1a"))
	assert.Equal(t, "", p.Subnet("us-east-1b"))
	assert.Equal(t, []string{"sg-1"}, p.SecurityGroupIDs)
	assert.Equal(t, "clips", p.OutputFolder)
	assert.Equal(t, 9000, p.Port)
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing region", "zones: [a]\nworkers: 1\nimage_id: ami\nbucket: b\n"},
		{"no zones", "region: r\nzones: []\nworkers: 1\nimage_id: ami\nbucket: b\n"},
		{"zero workers", "region: r\nzones: [a]\nworkers: 0\nimage_id: ami\nbucket: b\n"},
		{"unknown field", minimalPlan + "color: red\n"},
		{"port range", minimalPlan + "port: 70000\n"},
		{"empty", "# nothing\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}

	_, err := ParsePlan([]byte("zones: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalPlan), 0o600))

	p, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, "media-archive", p.Bucket)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestWorkerZones(t *testing.T) {
	tests := []struct {
		name    string
		zones   []string
		max     int
		workers int
		want    []string
	}{
		{"coordinator shares first zone", []string{"a", "b"}, 2, 3, []string{"a", "b", "b"}},
		{"fits in one zone", []string{"a", "b"}, 72, 3, []string{"a", "a", "a"}},
		{"single slot zones", []string{"a", "b", "c"}, 1, 2, []string{"b", "c"}},
		{"out of capacity", []string{"a"}, 3, 5, []string{"a", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Plan{Zones: tt.zones, MaxWorkersPerZone: tt.max, Workers: tt.workers}
			assert.Equal(t, tt.want, p.WorkerZones())
			assert.LessOrEqual(t, len(p.WorkerZones()), p.Capacity())
		})
	}
}
