package launcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/config"
)

const (
	labelApp   = "app"
	labelJobID = "loadoor/job-id"
	labelRunID = "loadoor/run-id"

	runnerContainerName = "predator-runner"
)

// NewKubernetesClient builds a clientset from the in-cluster config or a
// kubeconfig file.
func NewKubernetesClient(cfg *config.KubernetesBackend) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)

	if cfg.InCluster {
		restCfg, err = rest.InClusterConfig()
	} else {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if cfg.Kubeconfig != "" {
			rules.ExplicitPath = cfg.Kubeconfig
		}

		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			rules, &clientcmd.ConfigOverrides{},
		).ClientConfig()
	}

	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return clientset, nil
}

type kubernetesBackend struct {
	log       logrus.FieldLogger
	cfg       *config.KubernetesBackend
	clientset kubernetes.Interface
}

// Compile-time interface check.
var _ Backend = (*kubernetesBackend)(nil)

// NewKubernetesBackend runs every run as one batch/v1 Job whose
// parallelism is the number of runners.
func NewKubernetesBackend(
	log logrus.FieldLogger,
	cfg *config.KubernetesBackend,
	clientset kubernetes.Interface,
) (Backend, error) {
	for field, value := range map[string]string{"cpu": cfg.CPU, "memory": cfg.Memory} {
		if value == "" {
			continue
		}

		if _, err := resource.ParseQuantity(value); err != nil {
			return nil, fmt.Errorf("parsing kubernetes %s %q: %w", field, value, err)
		}
	}

	return &kubernetesBackend{
		log:       log.WithField("component", "kubernetes"),
		cfg:       cfg,
		clientset: clientset,
	}, nil
}

func (k *kubernetesBackend) Name() string {
	return config.BackendKubernetes
}

func (k *kubernetesBackend) CreateJob(ctx context.Context, spec *JobSpec) (*CreatedJob, error) {
	job := k.jobFor(spec)

	created, err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes job: %w", err)
	}

	k.log.WithFields(logrus.Fields{
		"job_name":  created.Name,
		"namespace": created.Namespace,
	}).Debug("Kubernetes job created")

	return &CreatedJob{
		Name:      created.Name,
		UID:       string(created.UID),
		Namespace: created.Namespace,
	}, nil
}

func (k *kubernetesBackend) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationForeground

	err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		if k8s_errors.IsNotFound(err) {
			return apierr.ErrRunNotFound
		}

		return fmt.Errorf("deleting kubernetes job: %w", err)
	}

	return nil
}

func (k *kubernetesBackend) jobFor(spec *JobSpec) *batchv1.Job {
	parallelism := int32(spec.Parallelism)
	backoffLimit := int32(0)

	labels := map[string]string{
		labelApp:   runnerContainerName,
		labelJobID: spec.JobID,
		labelRunID: spec.RunID,
	}

	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	env := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: k.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Parallelism:  &parallelism,
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:      runnerContainerName,
						Image:     spec.Image,
						Env:       env,
						Resources: k.resources(),
					}},
				},
			},
		},
	}
}

func (k *kubernetesBackend) resources() corev1.ResourceRequirements {
	list := corev1.ResourceList{}

	if k.cfg.CPU != "" {
		list[corev1.ResourceCPU] = resource.MustParse(k.cfg.CPU)
	}

	if k.cfg.Memory != "" {
		list[corev1.ResourceMemory] = resource.MustParse(k.cfg.Memory)
	}

	if len(list) == 0 {
		return corev1.ResourceRequirements{}
	}

	return corev1.ResourceRequirements{
		Requests: list,
		Limits:   list.DeepCopy(),
	}
}
