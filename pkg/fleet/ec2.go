package fleet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// DefaultWaitTimeout bounds WaitRunning.
const DefaultWaitTimeout = 10 * time.Minute

// liveStates are the instance states Find reports.
var liveStates = []string{"pending", "running", "stopping", "stopped"}

// ec2API is the subset of the EC2 client the provisioner uses.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Config configures an EC2 provisioner.
type EC2Config struct {
	Region  string
	Profile string
	// WaitTimeout bounds WaitRunning. Default: DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// EC2 provisions instances with the EC2 API.
type EC2 struct {
	client      ec2API
	waitTimeout time.Duration
	waitDelay   time.Duration
}

var _ Provisioner = (*EC2)(nil)

// NewEC2 creates an EC2 provisioner from the default AWS credential chain.
func NewEC2(ctx context.Context, cfg EC2Config) (*EC2, error) {
	if cfg.Region == "" {
		return nil, errors.New("ec2: region is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ec2: load AWS config: %w", err)
	}
	return newEC2WithClient(ec2.NewFromConfig(awsCfg), cfg.WaitTimeout), nil
}

func newEC2WithClient(client ec2API, waitTimeout time.Duration) *EC2 {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &EC2{client: client, waitTimeout: waitTimeout, waitDelay: 5 * time.Second}
}

// Launch implements Provisioner.
func (p *EC2) Launch(ctx context.Context, spec InstanceSpec) (Instance, error) {
	in := &ec2.RunInstancesInput{
		ImageId:                           aws.String(spec.ImageID),
		InstanceType:                      types.InstanceType(spec.InstanceType),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         toTags(spec),
		}},
	}
	if spec.UserData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	if spec.SubnetID != "" {
		in.SubnetId = aws.String(spec.SubnetID)
	} else if spec.Zone != "" {
		in.Placement = &types.Placement{AvailabilityZone: aws.String(spec.Zone)}
	}
	if len(spec.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = spec.SecurityGroupIDs
	}
	if spec.InstanceProfile != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(spec.InstanceProfile)}
	}
	if spec.KeyName != "" {
		in.KeyName = aws.String(spec.KeyName)
	}

	out, err := p.client.RunInstances(ctx, in)
	if err != nil {
		return Instance{}, wrapEC2Error("run instance "+spec.Name, err)
	}
	if len(out.Instances) == 0 {
		return Instance{}, fmt.Errorf("run instance %s: no instance returned", spec.Name)
	}
	return fromEC2(out.Instances[0]), nil
}

// WaitRunning implements Provisioner.
func (p *EC2) WaitRunning(ctx context.Context, id string) (Instance, error) {
	in := &ec2.DescribeInstancesInput{InstanceIds: []string{id}}
	waiter := ec2.NewInstanceRunningWaiter(p.client, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = p.waitDelay
		if o.MaxDelay < o.MinDelay {
			o.MaxDelay = o.MinDelay
		}
	})
	out, err := waiter.WaitForOutput(ctx, in, p.waitTimeout)
	if err != nil {
		return Instance{}, wrapEC2Error("wait for instance "+id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return fromEC2(inst), nil
			}
		}
	}
	return Instance{}, fmt.Errorf("wait for instance %s: not found", id)
}

// Find implements Provisioner.
func (p *EC2) Find(ctx context.Context, tags map[string]string) ([]Instance, error) {
	filters := []types.Filter{{Name: aws.String("instance-state-name"), Values: liveStates}}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + k), Values: []string{tags[k]}})
	}

	var found []Instance
	pager := ec2.NewDescribeInstancesPaginator(p.client, &ec2.DescribeInstancesInput{Filters: filters})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapEC2Error("describe instances", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				found = append(found, fromEC2(inst))
			}
		}
	}
	return found, nil
}

// Terminate implements Provisioner.
func (p *EC2) Terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil
		}
		return wrapEC2Error("terminate instances", err)
	}
	return nil
}

func toTags(spec InstanceSpec) []types.Tag {
	keys := make([]string, 0, len(spec.Tags)+1)
	for k := range spec.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.Tag, 0, len(keys)+1)
	if _, ok := spec.Tags[TagName]; !ok && spec.Name != "" {
		tags = append(tags, types.Tag{Key: aws.String(TagName), Value: aws.String(spec.Name)})
	}
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(spec.Tags[k])})
	}
	return tags
}

func fromEC2(inst types.Instance) Instance {
	out := Instance{
		ID:        aws.ToString(inst.InstanceId),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
		PublicIP:  aws.ToString(inst.PublicIpAddress),
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		out.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, t := range inst.Tags {
		switch aws.ToString(t.Key) {
		case TagName:
			out.Name = aws.ToString(t.Value)
		case TagRole:
			out.Role = aws.ToString(t.Value)
		}
	}
	return out
}

func wrapEC2Error(op string, err error) error {
	return fmt.Errorf("ec2: %s: %w", op, err)
}
