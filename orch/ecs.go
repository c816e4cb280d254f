package orch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"go.uber.org/zap"
)

// ECSAPI is the subset of the ECS client the adapter calls.
type ECSAPI interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	TagResource(ctx context.Context, params *ecs.TagResourceInput, optFns ...func(*ecs.Options)) (*ecs.TagResourceOutput, error)
}

// ECSOrchestrator adapts ECS to the Orchestrator interface. a specification
// version is a task definition ARN; a rollout is an ECS deployment.
type ECSOrchestrator struct {
	api    ECSAPI
	logger *zap.Logger
}

var _ Orchestrator = (*ECSOrchestrator)(nil)

// NewECSOrchestrator wraps an ECS client.
func NewECSOrchestrator(api ECSAPI, logger *zap.Logger) *ECSOrchestrator {
	return &ECSOrchestrator{api: api, logger: logger}
}

// describeService fetches one service and errors if it does not exist.
func (orchestrator *ECSOrchestrator) describeService(ctx context.Context, cluster, service string) (*ecstypes.Service, error) {
	output, err := orchestrator.api.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe service %q in cluster %q: %w", service, cluster, err)
	}
	if len(output.Services) == 0 {
		return nil, fmt.Errorf("service %q not found in cluster %q", service, cluster)
	}
	return &output.Services[0], nil
}

// ResolveActiveSpec reads the service's PRIMARY deployment. the replica
// counts come from the deployment, not the service, so a draining previous
// version never inflates the running count.
func (orchestrator *ECSOrchestrator) ResolveActiveSpec(ctx context.Context, cluster, service string) (ServiceState, error) {
	described, err := orchestrator.describeService(ctx, cluster, service)
	if err != nil {
		return ServiceState{}, err
	}

	state := ServiceState{Rollouts: len(described.Deployments)}
	for _, deployment := range described.Deployments {
		if aws.ToString(deployment.Status) != "PRIMARY" {
			continue
		}
		state.SpecVersion = aws.ToString(deployment.TaskDefinition)
		state.Running = int(deployment.RunningCount)
		state.Desired = int(deployment.DesiredCount)
		return state, nil
	}
	return state, fmt.Errorf("service %q in cluster %q has no primary deployment", service, cluster)
}

// RegisterSpecVersion copies the service's current task definition with every
// container pointed at the given image and registers the copy as a new
// revision. the running service is untouched until TriggerRollout.
func (orchestrator *ECSOrchestrator) RegisterSpecVersion(ctx context.Context, cluster, service, imageRef string) (string, error) {
	described, err := orchestrator.describeService(ctx, cluster, service)
	if err != nil {
		return "", err
	}

	definitionOutput, err := orchestrator.api.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: described.TaskDefinition,
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe task definition for %q: %w", service, err)
	}
	definition := definitionOutput.TaskDefinition

	containers := make([]ecstypes.ContainerDefinition, len(definition.ContainerDefinitions))
	copy(containers, definition.ContainerDefinitions)
	for index := range containers {
		containers[index].Image = aws.String(imageRef)
	}

	registered, err := orchestrator.api.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  definition.Family,
		ContainerDefinitions:    containers,
		Cpu:                     definition.Cpu,
		Memory:                  definition.Memory,
		NetworkMode:             definition.NetworkMode,
		ExecutionRoleArn:        definition.ExecutionRoleArn,
		TaskRoleArn:             definition.TaskRoleArn,
		RequiresCompatibilities: definition.RequiresCompatibilities,
		Volumes:                 definition.Volumes,
	})
	if err != nil {
		return "", fmt.Errorf("failed to register new task definition for %q: %w", service, err)
	}

	newVersion := aws.ToString(registered.TaskDefinition.TaskDefinitionArn)
	orchestrator.logger.Info("specification version registered",
		zap.String("service", service),
		zap.String("spec_version", newVersion),
		zap.String("image_ref", imageRef),
	)
	return newVersion, nil
}

// TriggerRollout points the service at the given specification version and
// forces a new deployment so the rollout starts even when the version is
// unchanged (the rollback path re-deploys a previous revision).
func (orchestrator *ECSOrchestrator) TriggerRollout(ctx context.Context, cluster, service, specVersion string) error {
	_, err := orchestrator.api.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(cluster),
		Service:            aws.String(service),
		TaskDefinition:     aws.String(specVersion),
		ForceNewDeployment: true,
	})
	if err != nil {
		return fmt.Errorf("failed to trigger rollout of %q to %q: %w", service, specVersion, err)
	}
	return nil
}

// TagService stamps deployment metadata onto the service resource.
func (orchestrator *ECSOrchestrator) TagService(ctx context.Context, cluster, service string, tags map[string]string) error {
	described, err := orchestrator.describeService(ctx, cluster, service)
	if err != nil {
		return err
	}

	resourceTags := make([]ecstypes.Tag, 0, len(tags))
	for key, value := range tags {
		resourceTags = append(resourceTags, ecstypes.Tag{
			Key:   aws.String(key),
			Value: aws.String(value),
		})
	}

	_, err = orchestrator.api.TagResource(ctx, &ecs.TagResourceInput{
		ResourceArn: described.ServiceArn,
		Tags:        resourceTags,
	})
	if err != nil {
		return fmt.Errorf("failed to tag service %q: %w", service, err)
	}
	return nil
}
