package k8s

import (
	"context"
	"fmt"
	"strings"

	"loadmesh/pkg/config"
	"loadmesh/pkg/logger"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"
)

const (
	runLabel     = "loadmesh/run-id"
	managedLabel = "app.kubernetes.io/managed-by"
)

// Launcher provisions a run's workers as one Kubernetes Job with
// parallelism equal to the worker count. Every pod gets the run id and
// store address through the environment; workers pick their own ids.
type Launcher struct {
	client    kubernetes.Interface
	cfg       config.K8sConfig
	redisAddr string

	backoffLimit int32
}

// NewLauncher creates a launcher, preferring in-cluster credentials and
// falling back to the local kubeconfig.
func NewLauncher(cfg config.K8sConfig, redisAddr string) (*Launcher, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if cfg.Kubeconfig != "" {
			loadingRules.ExplicitPath = cfg.Kubeconfig
		}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{})
		restCfg, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %v", err)
		}
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %v", err)
	}

	return &Launcher{
		client:       client,
		cfg:          cfg,
		redisAddr:    redisAddr,
		backoffLimit: 0,
	}, nil
}

// Launch creates the worker Job for a run. Already-exists is treated as
// success so a retried start does not double the fleet.
func (l *Launcher) Launch(ctx context.Context, runID string, count int) error {
	job := l.buildJob(runID, count)

	_, err := l.client.BatchV1().Jobs(l.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		logger.Warn("worker job already exists", zap.String("run_id", runID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create worker job: %w", err)
	}

	logger.Info("worker job created",
		zap.String("run_id", runID),
		zap.String("job", job.Name),
		zap.Int("parallelism", count),
	)
	return nil
}

// Cleanup deletes the run's worker Job and its pods.
func (l *Launcher) Cleanup(ctx context.Context, runID string) error {
	propagation := metav1.DeletePropagationBackground
	err := l.client.BatchV1().Jobs(l.cfg.Namespace).Delete(ctx, jobName(runID), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// PreviewYAML renders the Job manifest without creating it.
func (l *Launcher) PreviewYAML(runID string, count int) ([]byte, error) {
	return yaml.Marshal(l.buildJob(runID, count))
}

func (l *Launcher) buildJob(runID string, count int) *batchv1.Job {
	parallelism := int32(count)
	labels := map[string]string{
		runLabel:     runID,
		managedLabel: "loadmesh",
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(runID),
			Namespace: l.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Parallelism:  &parallelism,
			Completions:  &parallelism,
			BackoffLimit: &l.backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "worker",
							Image: l.cfg.WorkerImage,
							Env: []corev1.EnvVar{
								{Name: "RUN_ID", Value: runID},
								{Name: "REDIS_ADDR", Value: l.redisAddr},
							},
						},
					},
				},
			},
		},
	}
}

// jobName derives a DNS-1123 compatible name from the run id.
func jobName(runID string) string {
	id := strings.ToLower(runID)
	if len(id) > 8 {
		id = id[:8]
	}
	return "loadmesh-run-" + id
}
