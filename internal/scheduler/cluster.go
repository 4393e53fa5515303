package scheduler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/logger"
)

// ClusterScheduler implements ContainerScheduler against a Kubernetes
// cluster, grounded on api/internal/k8s/client.go's in-cluster/kubeconfig
// auto-configuration and k8s-controller/controllers/session_controller.go's
// Pod/volume construction, narrowed from the teacher's
// Deployment+Service+Ingress desktop-session shape to one Pod per session
// (spec's container-per-session model — see §9 open questions).
//
// Unlike the local variant, the "container id" this scheduler hands back
// and accepts is the pod name; node selection beyond "the cluster" is
// delegated to the Kubernetes scheduler (spec §4.E.1).
type ClusterScheduler struct {
	clientset *kubernetes.Clientset
	namespace string
}

// NewClusterScheduler auto-configures a Kubernetes client, preferring
// in-cluster config and falling back to $KUBECONFIG / ~/.kube/config.
func NewClusterScheduler(namespace string) (*ClusterScheduler, error) {
	cfg, err := clusterConfig()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "build kubernetes config", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "build kubernetes clientset", err)
	}
	if namespace == "" {
		namespace = "sandboxd"
	}
	return &ClusterScheduler{clientset: clientset, namespace: namespace}, nil
}

func clusterConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Create creates a Pod spec (unstarted in the scheduler's domain sense —
// Kubernetes pods begin scheduling immediately, so Create+Start are both
// satisfied by a single PodCreate and Start is a no-op for this variant).
func (c *ClusterScheduler) Create(ctx context.Context, cfg ContainerConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateStartDeadline)
	defer cancel()

	if existing, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, cfg.Name, metav1.GetOptions{}); err == nil {
		return existing.Name, nil
	}

	env := make([]corev1.EnvVar, 0, len(cfg.EnvVars))
	for k, v := range cfg.EnvVars {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resourceReqs := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	if cfg.CPULimit != "" {
		if q, err := resource.ParseQuantity(cfg.CPULimit); err == nil {
			resourceReqs.Limits[corev1.ResourceCPU] = q
			resourceReqs.Requests[corev1.ResourceCPU] = q
		}
	}
	if cfg.MemoryLimit != "" {
		if q, err := resource.ParseQuantity(cfg.MemoryLimit); err == nil {
			resourceReqs.Limits[corev1.ResourceMemory] = q
			resourceReqs.Requests[corev1.ResourceMemory] = q
		}
	}

	var mounts []corev1.VolumeMount
	var volumes []corev1.Volume
	if cfg.WorkspaceURI != "" {
		mounts = append(mounts, corev1.VolumeMount{Name: "workspace", MountPath: "/workspace"})
		volumes = append(volumes, corev1.Volume{
			Name:         "workspace",
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.Name,
			Namespace: c.namespace,
			Labels:    cfg.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:         "executor",
				Image:        cfg.Image,
				Env:          env,
				Command:      cfg.Entrypoint,
				Args:         cfg.Command,
				Resources:    resourceReqs,
				VolumeMounts: mounts,
			}},
			Volumes: volumes,
		},
	}

	created, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", apperr.UpstreamUnavailable("create pod", err)
	}
	logger.Scheduler().Info().Str("pod", created.Name).Msg("pod created")
	return created.Name, nil
}

// Start is a no-op: Kubernetes begins scheduling a pod as soon as it is
// created.
func (c *ClusterScheduler) Start(ctx context.Context, id string) error {
	return nil
}

// Stop deletes the pod with the requested grace period; Kubernetes handles
// the SIGTERM-then-SIGKILL sequencing internally.
func (c *ClusterScheduler) Stop(ctx context.Context, id string, graceSec int) error {
	grace := int64(graceSec)
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, id, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return apperr.UpstreamUnavailable("stop pod", err)
	}
	return c.waitGone(ctx, id, time.Duration(graceSec+5)*time.Second)
}

func (c *ClusterScheduler) waitGone(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, id, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// Remove force-deletes the pod, tolerating one already gone.
func (c *ClusterScheduler) Remove(ctx context.Context, id string, force bool) error {
	grace := int64(0)
	opts := metav1.DeleteOptions{}
	if force {
		opts.GracePeriodSeconds = &grace
	}
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, id, opts)
	if err != nil && !apierrors.IsNotFound(err) {
		return apperr.UpstreamUnavailable("remove pod", err)
	}
	return nil
}

// Inspect returns NotFound for an unknown pod.
func (c *ClusterScheduler) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return ContainerInfo{}, apperr.NotFound("pod", id)
	}
	if err != nil {
		return ContainerInfo{}, apperr.UpstreamUnavailable("inspect pod", err)
	}

	status := StatusUnknown
	exitCode := 0
	var startedAt, exitedAt time.Time
	switch pod.Status.Phase {
	case corev1.PodPending:
		status = StatusCreated
	case corev1.PodRunning:
		status = StatusRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		status = StatusExited
	}
	if len(pod.Status.ContainerStatuses) > 0 {
		cs := pod.Status.ContainerStatuses[0]
		if cs.State.Terminated != nil {
			exitCode = int(cs.State.Terminated.ExitCode)
			startedAt = cs.State.Terminated.StartedAt.Time
			exitedAt = cs.State.Terminated.FinishedAt.Time
		} else if cs.State.Running != nil {
			startedAt = cs.State.Running.StartedAt.Time
		}
	}

	image := ""
	if len(pod.Spec.Containers) > 0 {
		image = pod.Spec.Containers[0].Image
	}

	return ContainerInfo{
		ID:        pod.Name,
		Status:    status,
		ExitCode:  exitCode,
		StartedAt: startedAt,
		ExitedAt:  exitedAt,
		IP:        pod.Status.PodIP,
		Image:     image,
	}, nil
}

// IsRunning returns false, not an error, for an unknown pod.
func (c *ClusterScheduler) IsRunning(ctx context.Context, id string) (bool, error) {
	info, err := c.Inspect(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Status == StatusRunning, nil
}

// Logs returns the tail of the executor container's log stream.
func (c *ClusterScheduler) Logs(ctx context.Context, id string, tail int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, LogsDeadline)
	defer cancel()

	tailLines := int64(tail)
	req := c.clientset.CoreV1().Pods(c.namespace).GetLogs(id, &corev1.PodLogOptions{TailLines: &tailLines})
	stream, err := req.Stream(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", apperr.NotFound("pod", id)
		}
		return "", apperr.UpstreamUnavailable("stream pod logs", err)
	}
	defer stream.Close()

	var sb strings.Builder
	if _, err := io.Copy(&sb, stream); err != nil {
		return "", apperr.UpstreamUnavailable("read pod logs", err)
	}
	return sb.String(), nil
}

// Wait polls the pod phase until it leaves Running, or the timeout elapses
// without killing the pod.
func (c *ClusterScheduler) Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, err := c.Inspect(ctx, id)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return WaitResult{}, err
		}
		if info.Status == StatusExited {
			return WaitResult{ExitCode: info.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return WaitResult{TimedOut: true}, nil
		case <-time.After(time.Second):
		}
	}
	return WaitResult{TimedOut: true}, nil
}

// Ping verifies API-server reachability via a lightweight namespace get.
func (c *ClusterScheduler) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingDeadline)
	defer cancel()
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, c.namespace, metav1.GetOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return apperr.UpstreamUnavailable("ping kubernetes api", err)
	}
	return nil
}
