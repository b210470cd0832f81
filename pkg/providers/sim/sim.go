// Package sim implements an in-memory cloud driver. Resources become ready after a
// configurable delay, deletions run as asynchronous jobs and failures can be injected,
// which makes it the driver of choice for tests and for trying out a provider.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/providers"
)

// Kind is the driver kind manifests use to select this driver.
const Kind = "sim"

// Raw cloud states reported by the simulated cloud.
const (
	StateBuild    = "BUILD"
	StateActive   = "ACTIVE"
	StateError    = "ERROR"
	StateDeleting = "DELETING"
)

// Options configure a simulated cloud.
type Options struct {
	// ReadyAfter is how long a new resource stays in BUILD.
	ReadyAfter time.Duration

	// DeleteAfter is how long a deleted resource stays in DELETING.
	DeleteAfter time.Duration

	// JobAcceptAfter is how long the cloud takes to accept a deletion job.
	JobAcceptAfter time.Duration

	// DeletePolicy bounds the wait for a deletion job to be accepted.
	DeletePolicy providers.RetryPolicy

	// Quota is the allowance of every cloud user.
	Quota engine.ResourceAllocation
}

// DefaultOptions returns options for an instantly provisioning cloud with a generous quota.
func DefaultOptions() Options {
	return Options{
		DeletePolicy: providers.RetryPolicy{MaxAttempts: 5, Delay: 100 * time.Millisecond},
		Quota: engine.ResourceAllocation{
			Instances: 100,
			VCPU:      200,
			RAM:       512 * 1024,
			Disk:      10000,
			Volumes:   100,
			Networks:  20,
			PublicIPs: 20,
		},
	}
}

type instance struct {
	id          string
	orderType   engine.OrderType
	owner       string
	state       string
	fault       string
	attributes  map[string]string
	usage       engine.ResourceAllocation
	createdAt   time.Time
	deleteAt    time.Time
	jobAcceptAt time.Time
}

type failureKey struct {
	op        engine.Operation
	orderType engine.OrderType
}

// Cloud is a simulated cloud. It implements engine.CloudDriver.
type Cloud struct {
	name string
	opts Options

	mu        sync.Mutex
	instances map[string]*instance
	failures  map[failureKey][]error
	outage    bool
	seq       int
	now       func() time.Time
}

// New creates a simulated cloud.
func New(name string, opts Options) *Cloud {
	return &Cloud{
		name:      name,
		opts:      opts,
		instances: make(map[string]*instance),
		failures:  make(map[failureKey][]error),
		now:       time.Now,
	}
}

// Factory builds a simulated cloud from a manifest. Recognized options: ready_after,
// delete_after, job_accept_after, delete_attempts, delete_delay and quota_<resource>.
func Factory(_ context.Context, m *providers.CloudManifest) (engine.CloudDriver, error) {
	opts := DefaultOptions()
	var err error

	if opts.ReadyAfter, err = m.Duration("ready_after", opts.ReadyAfter); err != nil {
		return nil, err
	}
	if opts.DeleteAfter, err = m.Duration("delete_after", opts.DeleteAfter); err != nil {
		return nil, err
	}
	if opts.JobAcceptAfter, err = m.Duration("job_accept_after", opts.JobAcceptAfter); err != nil {
		return nil, err
	}
	if opts.DeletePolicy.MaxAttempts, err = m.Int("delete_attempts", opts.DeletePolicy.MaxAttempts); err != nil {
		return nil, err
	}
	if opts.DeletePolicy.Delay, err = m.Duration("delete_delay", opts.DeletePolicy.Delay); err != nil {
		return nil, err
	}

	quotas := []struct {
		key string
		dst *int
	}{
		{"quota_instances", &opts.Quota.Instances},
		{"quota_vcpu", &opts.Quota.VCPU},
		{"quota_ram", &opts.Quota.RAM},
		{"quota_disk", &opts.Quota.Disk},
		{"quota_volumes", &opts.Quota.Volumes},
		{"quota_networks", &opts.Quota.Networks},
		{"quota_public_ips", &opts.Quota.PublicIPs},
	}
	for _, q := range quotas {
		if *q.dst, err = m.Int(q.key, *q.dst); err != nil {
			return nil, err
		}
	}

	return New(m.Name, opts), nil
}

// Name returns the cloud name.
func (c *Cloud) Name() string { return c.name }

// Plugin returns the plugin for a resource type.
func (c *Cloud) Plugin(orderType engine.OrderType) (engine.Plugin, error) {
	if err := orderType.Validate(); err != nil {
		return nil, engine.NewInvalidParameterError(err.Error(), err)
	}
	return &plugin{cloud: c, orderType: orderType}, nil
}

// Quota returns the quota plugin.
func (c *Cloud) Quota() (engine.QuotaPlugin, error) {
	return quotaPlugin{cloud: c}, nil
}

// SetClock replaces the time source.
func (c *Cloud) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Fail queues err for the next op call on resources of orderType.
func (c *Cloud) Fail(op engine.Operation, orderType engine.OrderType, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := failureKey{op: op, orderType: orderType}
	c.failures[key] = append(c.failures[key], err)
}

// SetOutage makes every call fail as unavailable until switched off.
func (c *Cloud) SetOutage(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outage = down
}

// Break puts a resource into the ERROR state.
func (c *Cloud) Break(instanceID, fault string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[instanceID]
	if !ok {
		return false
	}
	inst.state = StateError
	inst.fault = fault
	return true
}

// Forget removes a resource without a deletion, as if the cloud lost it.
func (c *Cloud) Forget(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instances[instanceID]
	delete(c.instances, instanceID)
	return ok
}

// Len returns the number of resources the cloud still holds.
func (c *Cloud) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapLocked()
	return len(c.instances)
}

// checkLocked consumes an injected failure or reports an outage.
func (c *Cloud) checkLocked(op engine.Operation, orderType engine.OrderType) error {
	if c.outage {
		return engine.NewUnavailableError(fmt.Sprintf("cloud %s is unreachable", c.name), nil)
	}
	key := failureKey{op: op, orderType: orderType}
	if queue := c.failures[key]; len(queue) > 0 {
		err := queue[0]
		c.failures[key] = queue[1:]
		return err
	}
	return nil
}

// reapLocked advances time-driven state: BUILD becomes ACTIVE and finished deletions vanish.
func (c *Cloud) reapLocked() {
	now := c.now()
	for id, inst := range c.instances {
		switch inst.state {
		case StateBuild:
			if !now.Before(inst.createdAt.Add(c.opts.ReadyAfter)) {
				inst.state = StateActive
			}
		case StateDeleting:
			if !now.Before(inst.deleteAt) {
				delete(c.instances, id)
			}
		}
	}
}

func (c *Cloud) usageLocked(owner string) engine.ResourceAllocation {
	var used engine.ResourceAllocation
	for _, inst := range c.instances {
		if inst.owner != owner {
			continue
		}
		used.Instances += inst.usage.Instances
		used.VCPU += inst.usage.VCPU
		used.RAM += inst.usage.RAM
		used.Disk += inst.usage.Disk
		used.Volumes += inst.usage.Volumes
		used.Networks += inst.usage.Networks
		used.PublicIPs += inst.usage.PublicIPs
	}
	return used
}

func exceeds(used, add, total engine.ResourceAllocation) string {
	switch {
	case used.Instances+add.Instances > total.Instances:
		return "instances"
	case used.VCPU+add.VCPU > total.VCPU:
		return "vcpu"
	case used.RAM+add.RAM > total.RAM:
		return "ram"
	case used.Disk+add.Disk > total.Disk:
		return "disk"
	case used.Volumes+add.Volumes > total.Volumes:
		return "volumes"
	case used.Networks+add.Networks > total.Networks:
		return "networks"
	case used.PublicIPs+add.PublicIPs > total.PublicIPs:
		return "public_ips"
	}
	return ""
}

var _ engine.CloudDriver = (*Cloud)(nil)
