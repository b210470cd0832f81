package sim

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/providers"
)

var idPrefixes = map[engine.OrderType]string{
	engine.OrderTypeCompute:    "vm",
	engine.OrderTypeVolume:     "vol",
	engine.OrderTypeNetwork:    "net",
	engine.OrderTypeAttachment: "att",
	engine.OrderTypePublicIP:   "ip",
}

type plugin struct {
	cloud     *Cloud
	orderType engine.OrderType
}

func (p *plugin) RequestInstance(_ context.Context, order *engine.Order, user *engine.CloudUser) (string, error) {
	c := p.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(engine.OperationCreate, p.orderType); err != nil {
		return "", err
	}
	if order.Type != p.orderType {
		return "", engine.NewInvalidParameterError(
			fmt.Sprintf("order type %s sent to %s plugin", order.Type, p.orderType), nil)
	}

	usage, attrs, err := footprint(order)
	if err != nil {
		return "", err
	}

	c.reapLocked()
	if what := exceeds(c.usageLocked(user.ID), usage, c.opts.Quota); what != "" {
		return "", engine.NewQuotaExceededError(
			fmt.Sprintf("quota for %s exceeded at cloud %s", what, c.name), nil)
	}

	c.seq++
	id := fmt.Sprintf("%s-%d", idPrefixes[p.orderType], c.seq)
	if p.orderType == engine.OrderTypePublicIP {
		attrs["address"] = fmt.Sprintf("203.0.113.%d", c.seq%254+1)
	}

	state := StateBuild
	if c.opts.ReadyAfter <= 0 {
		state = StateActive
	}
	c.instances[id] = &instance{
		id:         id,
		orderType:  p.orderType,
		owner:      user.ID,
		state:      state,
		attributes: attrs,
		usage:      usage,
		createdAt:  c.now(),
	}
	return id, nil
}

func (p *plugin) GetInstance(_ context.Context, order *engine.Order, _ *engine.CloudUser) (*engine.CloudInstance, error) {
	c := p.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(engine.OperationGet, p.orderType); err != nil {
		return nil, err
	}

	c.reapLocked()
	inst, ok := c.instances[order.InstanceID]
	if !ok || inst.orderType != p.orderType {
		return nil, engine.NewInstanceNotFoundError(
			fmt.Sprintf("instance %s not found at cloud %s", order.InstanceID, c.name), nil)
	}

	attrs := make(map[string]string, len(inst.attributes)+1)
	for k, v := range inst.attributes {
		attrs[k] = v
	}
	if inst.fault != "" {
		attrs["fault"] = inst.fault
	}
	return &engine.CloudInstance{ID: inst.id, CloudState: inst.state, Attributes: attrs}, nil
}

// DeleteInstance submits a deletion job and waits, within the delete policy, for the
// cloud to accept it. The resource then stays DELETING until the job completes.
func (p *plugin) DeleteInstance(ctx context.Context, order *engine.Order, _ *engine.CloudUser) error {
	c := p.cloud
	c.mu.Lock()
	if err := c.checkLocked(engine.OperationDelete, p.orderType); err != nil {
		c.mu.Unlock()
		return err
	}
	c.reapLocked()
	inst, ok := c.instances[order.InstanceID]
	if !ok || inst.orderType != p.orderType {
		c.mu.Unlock()
		return engine.NewInstanceNotFoundError(
			fmt.Sprintf("instance %s not found at cloud %s", order.InstanceID, c.name), nil)
	}
	if inst.state != StateDeleting {
		now := c.now()
		inst.state = StateDeleting
		inst.jobAcceptAt = now.Add(c.opts.JobAcceptAfter)
		inst.deleteAt = inst.jobAcceptAt.Add(c.opts.DeleteAfter)
	}
	acceptAt := inst.jobAcceptAt
	c.mu.Unlock()

	return providers.WaitForJob(ctx, c.opts.DeletePolicy, func(context.Context) (bool, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.now().Before(acceptAt), nil
	})
}

func (p *plugin) IsReady(cloudState string) bool { return cloudState == StateActive }

func (p *plugin) HasFailed(cloudState string) bool { return cloudState == StateError }

func (p *plugin) IsDeleting(cloudState string) bool { return cloudState == StateDeleting }

// footprint returns the quota usage and reported attributes of the order's resource.
func footprint(order *engine.Order) (engine.ResourceAllocation, map[string]string, error) {
	attrs := make(map[string]string)
	var usage engine.ResourceAllocation

	switch order.Type {
	case engine.OrderTypeCompute:
		spec := order.Compute
		if spec == nil {
			return usage, nil, engine.NewInvalidParameterError("compute order without compute payload", nil)
		}
		usage = engine.ResourceAllocation{Instances: 1, VCPU: spec.VCPU, RAM: spec.RAM, Disk: spec.Disk}
		attrs["name"] = spec.Name
		attrs["image_id"] = spec.ImageID
		attrs["vcpu"] = strconv.Itoa(spec.VCPU)
		attrs["ram"] = strconv.Itoa(spec.RAM)
		attrs["disk"] = strconv.Itoa(spec.Disk)
	case engine.OrderTypeVolume:
		spec := order.Volume
		if spec == nil {
			return usage, nil, engine.NewInvalidParameterError("volume order without volume payload", nil)
		}
		usage = engine.ResourceAllocation{Volumes: 1, Disk: spec.Size}
		attrs["name"] = spec.Name
		attrs["size"] = strconv.Itoa(spec.Size)
	case engine.OrderTypeNetwork:
		spec := order.Network
		if spec == nil {
			return usage, nil, engine.NewInvalidParameterError("network order without network payload", nil)
		}
		usage = engine.ResourceAllocation{Networks: 1}
		attrs["name"] = spec.Name
		attrs["cidr"] = spec.CIDR
		attrs["gateway"] = spec.Gateway
		attrs["allocation"] = string(spec.Allocation)
	case engine.OrderTypeAttachment:
		spec := order.Attachment
		if spec == nil {
			return usage, nil, engine.NewInvalidParameterError("attachment order without attachment payload", nil)
		}
		attrs["device"] = spec.Device
	case engine.OrderTypePublicIP:
		if order.PublicIP == nil {
			return usage, nil, engine.NewInvalidParameterError("public ip order without public ip payload", nil)
		}
		usage = engine.ResourceAllocation{PublicIPs: 1}
	default:
		return usage, nil, engine.NewInvalidParameterError(fmt.Sprintf("unsupported order type %q", order.Type), nil)
	}
	return usage, attrs, nil
}

type quotaPlugin struct {
	cloud *Cloud
}

func (q quotaPlugin) GetUserQuota(_ context.Context, user *engine.CloudUser) (*engine.Quota, error) {
	c := q.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(engine.OperationGetQuota, ""); err != nil {
		return nil, err
	}

	c.reapLocked()
	total := c.opts.Quota
	used := c.usageLocked(user.ID)
	available := engine.ResourceAllocation{
		Instances: max(total.Instances-used.Instances, 0),
		VCPU:      max(total.VCPU-used.VCPU, 0),
		RAM:       max(total.RAM-used.RAM, 0),
		Disk:      max(total.Disk-used.Disk, 0),
		Volumes:   max(total.Volumes-used.Volumes, 0),
		Networks:  max(total.Networks-used.Networks, 0),
		PublicIPs: max(total.PublicIPs-used.PublicIPs, 0),
	}
	return &engine.Quota{Total: total, Used: used, Available: available}, nil
}

var (
	_ engine.Plugin           = (*plugin)(nil)
	_ engine.DeletionReporter = (*plugin)(nil)
	_ engine.QuotaPlugin      = quotaPlugin{}
)
