// Package fleet launches a coordinator and a set of workers on EC2, watches
// the run to completion and tears every instance down.
package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/starship/internal/assets/schemas"
)

// Plan defaults.
const (
	DefaultMaxWorkersPerZone  = 72
	DefaultServerInstanceType = "t3.small"
	DefaultWorkerInstanceType = "t3.micro"
	DefaultOutputFolder       = "videos"
	DefaultPort               = 8080
	DefaultBinaryKey          = "bin/starship"
)

// ErrInvalidPlan indicates a plan failed schema validation.
var ErrInvalidPlan = errors.New("invalid fleet plan")

// Plan describes the instances of one launch.
type Plan struct {
	Region             string            `yaml:"region" json:"region"`
	Zones              []string          `yaml:"zones" json:"zones"`
	Workers            int               `yaml:"workers" json:"workers"`
	MaxWorkersPerZone  int               `yaml:"max_workers_per_zone" json:"max_workers_per_zone"`
	ImageID            string            `yaml:"image_id" json:"image_id"`
	ServerInstanceType string            `yaml:"server_instance_type" json:"server_instance_type"`
	WorkerInstanceType string            `yaml:"worker_instance_type" json:"worker_instance_type"`
	SubnetIDs          map[string]string `yaml:"subnet_ids" json:"subnet_ids,omitempty"`
	SecurityGroupIDs   []string          `yaml:"security_group_ids" json:"security_group_ids,omitempty"`
	InstanceProfile    string            `yaml:"instance_profile" json:"instance_profile,omitempty"`
	KeyName            string            `yaml:"key_name" json:"key_name,omitempty"`
	Bucket             string            `yaml:"bucket" json:"bucket"`
	OutputFolder       string            `yaml:"output_folder" json:"output_folder"`
	Port               int               `yaml:"port" json:"port"`
	// BinaryURL is an http(s) URL or a key in Bucket holding a linux
	// starship binary.
	BinaryURL string `yaml:"binary_url" json:"binary_url"`
}

var (
	planValidatorOnce sync.Once
	planValidator     *schema.Validator
	planValidatorErr  error
)

// LoadPlan reads, validates and defaults a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fleet plan not found: %s", path)
		}
		return nil, fmt.Errorf("read fleet plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan validates and defaults a YAML (or JSON) plan.
func ParsePlan(data []byte) (*Plan, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in fleet plan: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: plan is empty", ErrInvalidPlan)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert fleet plan to JSON: %w", err)
	}
	if err := validatePlan(jsonData); err != nil {
		return nil, err
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode fleet plan: %w", err)
	}
	p.applyDefaults()
	return &p, nil
}

func (p *Plan) applyDefaults() {
	if p.MaxWorkersPerZone <= 0 {
		p.MaxWorkersPerZone = DefaultMaxWorkersPerZone
	}
	if p.ServerInstanceType == "" {
		p.ServerInstanceType = DefaultServerInstanceType
	}
	if p.WorkerInstanceType == "" {
		p.WorkerInstanceType = DefaultWorkerInstanceType
	}
	if p.OutputFolder == "" {
		p.OutputFolder = DefaultOutputFolder
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.BinaryURL == "" {
		p.BinaryURL = DefaultBinaryKey
	}
}

// Capacity is how many workers fit next to the coordinator.
func (p *Plan) Capacity() int {
	return len(p.Zones)*p.MaxWorkersPerZone - 1
}

// WorkerZones assigns each worker a zone, filling zones in order. The
// coordinator occupies one slot of the first zone. The result is shorter
// than p.Workers when the zones cannot hold them all.
func (p *Plan) WorkerZones() []string {
	zones := make([]string, 0, p.Workers)
	zone, used := 0, 1
	for len(zones) < p.Workers && zone < len(p.Zones) {
		if used >= p.MaxWorkersPerZone {
			zone++
			used = 0
			continue
		}
		zones = append(zones, p.Zones[zone])
		used++
	}
	return zones
}

// Subnet returns the subnet configured for zone, or "".
func (p *Plan) Subnet(zone string) string {
	return p.SubnetIDs[zone]
}

func validatePlan(jsonData []byte) error {
	planValidatorOnce.Do(func() {
		planValidator, planValidatorErr = schema.NewValidator(schemasassets.FleetPlanSchema)
		if planValidatorErr != nil {
			planValidatorErr = fmt.Errorf("failed to compile fleet-plan schema: %w", planValidatorErr)
		}
	})
	if planValidatorErr != nil {
		return planValidatorErr
	}

	diags, err := planValidator.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	var msgs []string
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		if d.Pointer != "" {
			msgs = append(msgs, d.Pointer+": "+d.Message)
		} else {
			msgs = append(msgs, d.Message)
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(msgs, "; "))
	}
	return nil
}
