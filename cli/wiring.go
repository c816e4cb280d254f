package cli

import (
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/audit"
	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/db"
	"github.com/arena-platform/arena-deploy/deployer"
	"github.com/arena-platform/arena-deploy/health"
	"github.com/arena-platform/arena-deploy/infra"
	"github.com/arena-platform/arena-deploy/orch"
	"github.com/arena-platform/arena-deploy/registry"
	"github.com/arena-platform/arena-deploy/rollback"
	"github.com/arena-platform/arena-deploy/rollout"
	"github.com/arena-platform/arena-deploy/validate"
)

// controllerSet is the fully wired pipeline plus the resources the command
// must release on exit.
type controllerSet struct {
	pipeline *deployer.DeploymentPipeline
	database *db.Database
	recorder *audit.Recorder
	daemon   io.Closer
	cfg      *config.Config
	logger   *zap.Logger
}

func (set *controllerSet) close() {
	set.recorder.Sync()
	_ = set.logger.Sync()
	if err := set.daemon.Close(); err != nil {
		set.logger.Warn("docker client close failed", zap.Error(err))
	}
	if err := set.database.CloseDatabase(); err != nil {
		set.logger.Warn("database close failed", zap.Error(err))
	}
}

// buildControllers loads configuration for the environment and wires every
// phase controller against live dependencies. the deploy and rollback
// commands share this; serve wires far less and does it itself.
func buildControllers(ctx context.Context, environment string) (*controllerSet, error) {
	cfg, err := config.Load(environment, configFile)
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	database, err := db.OpenDatabase(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	recorder, err := audit.NewRecorder(database, cfg.AuditLogPath, logger)
	if err != nil {
		database.CloseDatabase()
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		database.CloseDatabase()
		return nil, fmt.Errorf("failed to load cloud configuration: %w", err)
	}

	daemon, err := registry.NewDockerClient(logger)
	if err != nil {
		database.CloseDatabase()
		return nil, err
	}

	ecrRegistry := registry.NewECRRegistry(ecr.NewFromConfig(awsCfg))
	orchestrator := orch.NewECSOrchestrator(ecs.NewFromConfig(awsCfg), logger)
	cloudwatchClient := cloudwatch.NewFromConfig(awsCfg)

	var objects infra.ObjectStore
	if cfg.StateBackupBucket != "" {
		objects = infra.NewS3ObjectStore(s3.NewFromConfig(awsCfg))
	}
	runner := infra.ExecRunner{}
	provisioner := infra.NewProvisioner(runner, database, objects, cfg, logger)
	dataRestorer := infra.NewDataRestorer(runner, cfg, logger)

	validator := validate.NewValidator(cfg, daemon, ecrRegistry, sts.NewFromConfig(awsCfg), logger)
	artifacts := registry.NewPipeline(daemon, ecrRegistry, database, cfg, logger)
	rolloutController := rollout.NewController(orchestrator, database, cfg, logger)

	verifierFactory := func(targets map[string]string) rollback.Verifier {
		checks := make([]health.Check, 0, len(cfg.Services)+4)
		clusters := map[string]bool{}
		for _, service := range cfg.Services {
			checks = append(checks, health.ServiceStabilityCheck{
				Orchestrator: orchestrator,
				Cluster:      service.Cluster,
				Service:      service.Name,
				SpecVersion:  targets[service.Name],
			})
			clusters[service.Cluster] = true
		}
		if cfg.DatastoreDSN != "" {
			checks = append(checks, health.DatastoreCheck{
				DSN:            cfg.DatastoreDSN,
				MinFreePercent: cfg.DatastoreMinFreePercent,
			})
		}
		if cfg.CacheAddr != "" {
			checks = append(checks, health.CacheCheck{
				Addr:             cfg.CacheAddr,
				MaxMemoryPercent: cfg.CacheMaxMemoryPercent,
			})
		}
		if cfg.APIHealthURL != "" {
			checks = append(checks, health.APICheck{
				URL:                 cfg.APIHealthURL,
				LatencyThreshold:    cfg.APILatencyThreshold,
				ProcessingThreshold: cfg.APIProcessingThreshold,
			})
		}
		for cluster := range clusters {
			checks = append(checks, health.UtilizationCheck{
				API:             cloudwatchClient,
				Cluster:         cluster,
				CPUThreshold:    cfg.CPUThreshold,
				MemoryThreshold: cfg.MemoryThreshold,
			})
		}
		return health.NewVerifier(checks, database, cfg, logger)
	}

	rollbackController := rollback.NewController(
		orchestrator, rolloutController, provisioner, dataRestorer,
		database, recorder, cfg, logger,
	)

	pipeline := deployer.NewDeploymentPipeline(
		database, validator, artifacts, provisioner,
		rolloutController, rollbackController, orchestrator,
		verifierFactory, recorder, cfg, logger,
	)

	return &controllerSet{
		pipeline: pipeline,
		database: database,
		recorder: recorder,
		daemon:   daemon,
		cfg:      cfg,
		logger:   logger,
	}, nil
}
