package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/config"
	"github.com/ethpandaops/loadoor/pkg/docker"
)

const cleanupTimeout = 30 * time.Second

type dockerBackend struct {
	log         logrus.FieldLogger
	cfg         *config.DockerBackend
	manager     docker.Manager
	memoryBytes int64
}

// Compile-time interface check.
var _ Backend = (*dockerBackend)(nil)

// NewDockerBackend runs every run as Parallelism containers on the local
// daemon, all labelled with the job name.
func NewDockerBackend(
	log logrus.FieldLogger,
	cfg *config.DockerBackend,
	manager docker.Manager,
) (Backend, error) {
	var memory int64

	if cfg.Memory != "" {
		parsed, err := units.RAMInBytes(cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("parsing docker memory %q: %w", cfg.Memory, err)
		}

		memory = parsed
	}

	return &dockerBackend{
		log:         log.WithField("component", "docker-backend"),
		cfg:         cfg,
		manager:     manager,
		memoryBytes: memory,
	}, nil
}

func (d *dockerBackend) Name() string {
	return config.BackendDocker
}

func (d *dockerBackend) CreateJob(ctx context.Context, spec *JobSpec) (*CreatedJob, error) {
	if err := d.manager.PullImage(ctx, spec.Image, d.cfg.PullPolicy); err != nil {
		return nil, err
	}

	if err := d.manager.EnsureNetwork(ctx, d.cfg.Network); err != nil {
		return nil, err
	}

	var first string

	for i := 0; i < spec.Parallelism; i++ {
		id, err := d.manager.CreateContainer(ctx, &docker.ContainerSpec{
			Name:        fmt.Sprintf("%s-%d", spec.Name, i),
			Image:       spec.Image,
			Env:         spec.Env,
			NetworkName: d.cfg.Network,
			MemoryBytes: d.memoryBytes,
			Labels: map[string]string{
				docker.LabelJobName: spec.Name,
				docker.LabelRunID:   spec.RunID,
			},
		})
		if err != nil {
			d.cleanup(spec.Name)

			return nil, err
		}

		if err := d.manager.StartContainer(ctx, id); err != nil {
			d.cleanup(spec.Name)

			return nil, err
		}

		if first == "" {
			first = id
		}
	}

	return &CreatedJob{Name: spec.Name, UID: first}, nil
}

func (d *dockerBackend) DeleteJob(ctx context.Context, name string) error {
	containers, err := d.manager.ListContainers(ctx, map[string]string{
		docker.LabelJobName: name,
	})
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		return apierr.ErrRunNotFound
	}

	for _, c := range containers {
		if err := d.manager.RemoveContainer(ctx, c.ID); err != nil {
			return err
		}
	}

	return nil
}

// cleanup removes the containers of a partially created job.
func (d *dockerBackend) cleanup(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := d.DeleteJob(ctx, name); err != nil && !errors.Is(err, apierr.ErrRunNotFound) {
		d.log.WithError(err).WithField("job_name", name).Warn("Failed to clean up partial job")
	}
}
