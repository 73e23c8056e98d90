package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/envforge-io/envforge/internal/logging"
)

// WorkloadState is the observed state of one compute service.
type WorkloadState struct {
	Exists       bool
	RunningCount int32
	DesiredCount int32
	Status       string
}

// ObserveWorkload reports a service's live state within a cluster.
func (c *Clients) ObserveWorkload(ctx context.Context, cluster, service string) (WorkloadState, error) {
	out, err := c.ecsClient.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		if IsNotFound(err) {
			return WorkloadState{}, nil
		}
		return WorkloadState{}, Classify(fmt.Sprintf("describe service %s/%s", cluster, service), err)
	}
	if len(out.Services) == 0 {
		return WorkloadState{}, nil
	}
	svc := out.Services[0]
	status := aws.ToString(svc.Status)
	if status == "INACTIVE" {
		return WorkloadState{}, nil
	}
	return WorkloadState{
		Exists:       true,
		RunningCount: svc.RunningCount,
		DesiredCount: svc.DesiredCount,
		Status:       status,
	}, nil
}

// StopWorkload scales a service to zero and waits for its tasks to drain,
// releasing any datastore connections the tasks held.
func (c *Clients) StopWorkload(ctx context.Context, cluster, service string, wait time.Duration) error {
	state, err := c.ObserveWorkload(ctx, cluster, service)
	if err != nil {
		return err
	}
	if !state.Exists {
		return nil
	}

	if state.DesiredCount > 0 {
		logging.Info("scaling workload to zero", "cluster", cluster, "service", service)
		_, err = c.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:      aws.String(cluster),
			Service:      aws.String(service),
			DesiredCount: aws.Int32(0),
		})
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return Classify(fmt.Sprintf("scale %s/%s to zero", cluster, service), err)
		}
	}

	deadline := time.Now().Add(wait)
	for {
		state, err := c.ObserveWorkload(ctx, cluster, service)
		if err != nil {
			return err
		}
		if !state.Exists || state.RunningCount == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return Classify(fmt.Sprintf("drain %s/%s", cluster, service),
				fmt.Errorf("still %d tasks running after %s", state.RunningCount, wait))
		}
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EnsureWorkloadDeleted removes the service entirely. Force bypasses the
// scale-to-zero requirement; missing services are success.
func (c *Clients) EnsureWorkloadDeleted(ctx context.Context, cluster, service string) error {
	state, err := c.ObserveWorkload(ctx, cluster, service)
	if err != nil {
		return err
	}
	if !state.Exists {
		return nil
	}
	logging.Info("deleting workload", "cluster", cluster, "service", service)
	_, err = c.ecsClient.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(cluster),
		Service: aws.String(service),
		Force:   aws.Bool(true),
	})
	if err != nil && !IsNotFound(err) {
		return Classify(fmt.Sprintf("delete service %s/%s", cluster, service), err)
	}
	return nil
}

// DeployWorkload points a service at a new image tag by forcing a new
// deployment. The task definition's image reference is resolved by the
// declarative engine; this call only restarts the service onto it.
func (c *Clients) DeployWorkload(ctx context.Context, cluster, service string, desired int32) error {
	_, err := c.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(cluster),
		Service:            aws.String(service),
		DesiredCount:       aws.Int32(desired),
		ForceNewDeployment: true,
	})
	if err != nil {
		return Classify(fmt.Sprintf("deploy %s/%s", cluster, service), err)
	}
	return nil
}

// WorkloadStable reports whether the service runs its desired count.
func (c *Clients) WorkloadStable(ctx context.Context, cluster, service string) (bool, error) {
	state, err := c.ObserveWorkload(ctx, cluster, service)
	if err != nil {
		return false, err
	}
	return state.Exists && state.DesiredCount > 0 && state.RunningCount == state.DesiredCount, nil
}

// TargetsHealthy reports whether every registered target of the group passes
// its health check. Used as the service-readiness probe behind the load
// balancer.
func (c *Clients) TargetsHealthy(ctx context.Context, targetGroupArn string) (bool, error) {
	out, err := c.elbv2Client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(targetGroupArn),
	})
	if err != nil {
		return false, Classify("describe target health", err)
	}
	if len(out.TargetHealthDescriptions) == 0 {
		return false, nil
	}
	for _, d := range out.TargetHealthDescriptions {
		if d.TargetHealth == nil || d.TargetHealth.State != elbv2types.TargetHealthStateEnumHealthy {
			return false, nil
		}
	}
	return true, nil
}
