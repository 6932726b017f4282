// Package kubedriver runs sandbox compute on a Kubernetes cluster.
// One pod per session: a multi-container profile becomes one pod with
// several containers, the only arrangement that lets every container
// share the cargo's ReadWriteOnce volume. Session networks are
// recorded no-ops because a pod's containers already share a network
// namespace and reach each other on localhost.
package kubedriver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"bay.dev/bay/config"
	"bay.dev/bay/driver"
	"bay.dev/bay/pkg/bytesize"
)

// singleContainerName is the in-pod container name on the
// single-container path, where the spec carries no profile name.
const singleContainerName = "runtime"

type Driver struct {
	Log *slog.Logger

	client kubernetes.Interface
	cfg    config.K8sConfig
}

var _ driver.Driver = (*Driver)(nil)

func New(cfg config.K8sConfig, log *slog.Logger) (*Driver, error) {
	// client-go logs through klog; route it into our handler.
	klog.SetSlogLogger(log.With("module", "klog"))

	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "building kubernetes config")
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating kubernetes client")
	}

	return &Driver{
		Log:    log.With("module", "driver", "driver", "k8s"),
		client: client,
		cfg:    cfg,
	}, nil
}

func (d *Driver) Kind() string { return "k8s" }

// instanceID encodes pod plus container as one driver-level id.
func instanceID(pod, containerName string) string {
	if containerName == "" {
		return pod
	}
	return pod + "/" + containerName
}

func splitInstanceID(id string) (pod, containerName string) {
	pod, containerName, _ = strings.Cut(id, "/")
	return pod, containerName
}

func (d *Driver) Create(ctx context.Context, spec driver.InstanceSpec) (string, error) {
	pod := d.buildPod(spec.Name, []driver.InstanceSpec{spec})

	_, err := d.client.CoreV1().Pods(d.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "creating pod %s", spec.Name)
	}
	d.Log.Debug("pod created", "pod", spec.Name, "image", spec.Image)
	return pod.Name, nil
}

func (d *Driver) buildPod(name string, specs []driver.InstanceSpec) *corev1.Pod {
	containers := make([]corev1.Container, 0, len(specs))
	for _, spec := range specs {
		containers = append(containers, d.buildContainer(spec))
	}

	var pullSecrets []corev1.LocalObjectReference
	for _, s := range d.cfg.ImagePullSecrets {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: s})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.cfg.Namespace,
			Labels:    d.prefixLabels(specs[0].Labels),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:    corev1.RestartPolicyNever,
			Containers:       containers,
			ImagePullSecrets: pullSecrets,
			Volumes: []corev1.Volume{{
				Name: "workspace",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: specs[0].VolumeRef,
					},
				},
			}},
		},
	}
}

func (d *Driver) buildContainer(spec driver.InstanceSpec) corev1.Container {
	name := spec.ContainerName
	if name == "" {
		name = singleContainerName
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	return corev1.Container{
		Name:      name,
		Image:     spec.Image,
		Env:       env,
		Resources: containerResources(spec.CPUs, spec.MemoryBytes),
		Ports: []corev1.ContainerPort{{
			ContainerPort: int32(spec.RuntimePort),
			Protocol:      corev1.ProtocolTCP,
		}},
		VolumeMounts: []corev1.VolumeMount{{
			Name:      "workspace",
			MountPath: driver.WorkspacePath,
		}},
	}
}

// containerResources sets limits from the profile and requests at half
// the memory with the full CPU, leaving room to overcommit memory on
// dev clusters.
func containerResources(cpus float64, memoryBytes int64) corev1.ResourceRequirements {
	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}

	if cpus > 0 {
		q := resource.NewMilliQuantity(int64(cpus*1000), resource.DecimalSI)
		limits[corev1.ResourceCPU] = *q
		requests[corev1.ResourceCPU] = *q
	}
	if memoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(memoryBytes, resource.BinarySI)
		requests[corev1.ResourceMemory] = *resource.NewQuantity(memoryBytes/2, resource.BinarySI)
	}

	return corev1.ResourceRequirements{Limits: limits, Requests: requests}
}

func (d *Driver) Start(ctx context.Context, id string, runtimePort int) (string, error) {
	podName, _ := splitInstanceID(id)

	pod, err := d.waitForRunning(ctx, podName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", pod.Status.PodIP, runtimePort), nil
}

// waitForRunning polls until the pod is running with an IP, the
// startup timeout lapses, or the pod terminates.
func (d *Driver) waitForRunning(ctx context.Context, podName string) (*corev1.Pod, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	timeout := time.After(d.startupTimeout())

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for pod %s: %w", podName, ctx.Err())
		case <-timeout:
			return nil, fmt.Errorf("pod %s not running within %s", podName, d.startupTimeout())
		case <-ticker.C:
			pod, err := d.client.CoreV1().Pods(d.cfg.Namespace).Get(ctx, podName, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return nil, fmt.Errorf("waiting for pod %s: %w", podName, driver.ErrNotFound)
			}
			if err != nil {
				d.Log.Warn("pod poll failed", "pod", podName, "error", err)
				continue
			}

			switch pod.Status.Phase {
			case corev1.PodRunning:
				if pod.Status.PodIP != "" {
					return pod, nil
				}
			case corev1.PodFailed, corev1.PodSucceeded:
				return nil, fmt.Errorf("pod %s terminated while starting (phase %s)",
					podName, pod.Status.Phase)
			}
		}
	}
}

func (d *Driver) startupTimeout() time.Duration {
	return time.Duration(d.cfg.PodStartupTimeout) * time.Second
}

func (d *Driver) Stop(ctx context.Context, id string) error {
	// Pods have no stopped-but-present state; reclaiming compute is
	// deleting the pod. The PVC keeps the workspace.
	return d.Destroy(ctx, id)
}

func (d *Driver) Destroy(ctx context.Context, id string) error {
	podName, _ := splitInstanceID(id)

	propagation := metav1.DeletePropagationBackground
	err := d.client.CoreV1().Pods(d.cfg.Namespace).Delete(ctx, podName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		d.Log.Warn("delete of missing pod ignored", "pod", podName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting pod %s: %w", podName, err)
	}
	return nil
}

func (d *Driver) Status(ctx context.Context, id string, runtimePort int) (driver.InstanceStatus, error) {
	podName, containerName := splitInstanceID(id)

	pod, err := d.client.CoreV1().Pods(d.cfg.Namespace).Get(ctx, podName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return driver.InstanceStatus{State: driver.StateNotFound}, nil
	}
	if err != nil {
		return driver.InstanceStatus{}, fmt.Errorf("getting pod %s: %w", podName, err)
	}

	st := driver.InstanceStatus{State: mapPhase(pod)}
	if st.State == driver.StateRunning && runtimePort > 0 && pod.Status.PodIP != "" {
		st.Endpoint = fmt.Sprintf("http://%s:%d", pod.Status.PodIP, runtimePort)
	}
	if st.State == driver.StateExited {
		if code, ok := exitCode(pod, containerName); ok {
			st.ExitCode = &code
		}
	}
	return st, nil
}

func mapPhase(pod *corev1.Pod) driver.State {
	if pod.DeletionTimestamp != nil {
		return driver.StateRemoving
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return driver.StateCreated
	case corev1.PodRunning:
		return driver.StateRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return driver.StateExited
	default:
		return driver.StateCreated
	}
}

func exitCode(pod *corev1.Pod, containerName string) (int, bool) {
	if containerName == "" {
		containerName = singleContainerName
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != containerName {
			continue
		}
		if cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode), true
		}
	}
	return 0, false
}

func (d *Driver) Logs(ctx context.Context, id string, tail int) (string, error) {
	podName, containerName := splitInstanceID(id)
	if containerName == "" {
		containerName = singleContainerName
	}

	lines := int64(tail)
	req := d.client.CoreV1().Pods(d.cfg.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: &lines,
	})
	rd, err := req.Stream(ctx)
	if apierrors.IsNotFound(err) {
		return "", fmt.Errorf("logs for %s: %w", podName, driver.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("logs for %s: %w", podName, err)
	}
	defer rd.Close()

	data, err := io.ReadAll(rd)
	if err != nil {
		return "", fmt.Errorf("reading logs for %s: %w", podName, err)
	}
	return string(data), nil
}

// CreateVolume ensures a PVC of the configured storage class and
// default size. Idempotent: an existing claim is reused.
func (d *Driver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	_, err := d.client.CoreV1().PersistentVolumeClaims(d.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return name, nil
	}
	if !apierrors.IsNotFound(err) {
		return "", errors.Wrapf(err, "checking pvc %s", name)
	}

	size, err := bytesize.Parse(d.cfg.DefaultStorageSize)
	if err != nil {
		return "", errors.Wrapf(err, "parsing default storage size %q", d.cfg.DefaultStorageSize)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.cfg.Namespace,
			Labels:    d.prefixLabels(labels),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(int64(size), resource.BinarySI),
				},
			},
		},
	}
	if d.cfg.StorageClass != "" {
		pvc.Spec.StorageClassName = &d.cfg.StorageClass
	}

	if _, err := d.client.CoreV1().PersistentVolumeClaims(d.cfg.Namespace).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		return "", errors.Wrapf(err, "creating pvc %s", name)
	}
	return name, nil
}

func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	err := d.client.CoreV1().PersistentVolumeClaims(d.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("pvc %s: %w", name, driver.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting pvc %s: %w", name, err)
	}
	return nil
}

func (d *Driver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.client.CoreV1().PersistentVolumeClaims(d.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking pvc %s: %w", name, err)
	}
	return true, nil
}

func (d *Driver) ListInstances(ctx context.Context, labels map[string]string) ([]driver.Instance, error) {
	selector := make([]string, 0, len(labels))
	for k, v := range labels {
		selector = append(selector, d.cfg.LabelPrefix+k+"="+v)
	}
	sort.Strings(selector)

	pods, err := d.client.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: strings.Join(selector, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}

	out := make([]driver.Instance, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		out = append(out, driver.Instance{
			ID:        pod.Name,
			Name:      pod.Name,
			State:     mapPhase(pod),
			Labels:    d.stripLabels(pod.Labels),
			CreatedAt: pod.CreationTimestamp.Time,
		})
	}
	return out, nil
}

// prefixLabels namespaces bay's label keys for Kubernetes objects.
func (d *Driver) prefixLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[d.cfg.LabelPrefix+k] = v
	}
	return out
}

// stripLabels is the inverse, recovering the driver-level label
// vocabulary. Foreign labels are dropped.
func (d *Driver) stripLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if rest, ok := strings.CutPrefix(k, d.cfg.LabelPrefix); ok {
			out[rest] = v
		}
	}
	return out
}

// CreateSessionNetwork is a recorded no-op: the session's containers
// share a pod and need no extra wiring.
func (d *Driver) CreateSessionNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error) {
	d.Log.Debug("session network is implicit on kubernetes", "session_id", sessionID)
	return driver.SessionNetworkName(sessionID), nil
}

func (d *Driver) RemoveSessionNetwork(ctx context.Context, sessionID string) error {
	return nil
}

// CreateMulti builds one pod carrying every container of the session.
func (d *Driver) CreateMulti(ctx context.Context, specs []driver.InstanceSpec) ([]driver.MultiInfo, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("create multi: empty container set")
	}

	podName := "bay-" + specs[0].Labels[driver.LabelSessionID]
	pod := d.buildPod(podName, specs)

	if _, err := d.client.CoreV1().Pods(d.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, errors.Wrapf(err, "creating pod %s", podName)
	}

	infos := make([]driver.MultiInfo, 0, len(specs))
	for _, spec := range specs {
		infos = append(infos, driver.MultiInfo{
			Name:        spec.ContainerName,
			ID:          instanceID(podName, spec.ContainerName),
			RuntimePort: spec.RuntimePort,
		})
	}
	return infos, nil
}

// StartMulti waits for the shared pod once, then derives every
// container's endpoint from the pod IP and its runtime port.
func (d *Driver) StartMulti(ctx context.Context, infos []driver.MultiInfo) ([]driver.MultiInfo, error) {
	if len(infos) == 0 {
		return nil, nil
	}
	podName, _ := splitInstanceID(infos[0].ID)

	pod, err := d.waitForRunning(ctx, podName)
	if err != nil {
		return nil, err
	}

	out := make([]driver.MultiInfo, len(infos))
	for i, in := range infos {
		in.Endpoint = fmt.Sprintf("http://%s:%d", pod.Status.PodIP, in.RuntimePort)
		out[i] = in
	}
	return out, nil
}

// StopMulti deletes the shared pod once; every info points at it.
func (d *Driver) StopMulti(ctx context.Context, infos []driver.MultiInfo) error {
	if len(infos) == 0 {
		return nil
	}
	return d.Stop(ctx, infos[0].ID)
}

func (d *Driver) DestroyMulti(ctx context.Context, infos []driver.MultiInfo) error {
	if len(infos) == 0 {
		return nil
	}
	return d.Destroy(ctx, infos[0].ID)
}

func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.client.Discovery().ServerVersion()
	return err
}

func (d *Driver) Close() error { return nil }
