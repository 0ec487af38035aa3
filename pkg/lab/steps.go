package lab

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

// stepNamespace implements spec.md §4.E step 1: ensure the namespace
// exists, deleting a stale one from a prior failed lab first (bounded by
// deleteTimeout).
func (m *Manager) stepNamespace(ctx context.Context, u *UserLabState) error {
	if existing, err := m.client.GetNamespace(ctx, u.Namespace); err == nil && existing != nil {
		deleteCtx, cancel := context.WithTimeout(ctx, m.cfg.DeleteTimeout)
		defer cancel()
		if err := m.client.DeleteNamespace(deleteCtx, u.Namespace); err != nil {
			return apierrors.FailedTo("delete stale namespace from a prior failed lab", err)
		}
		if err := m.waitNamespaceGone(deleteCtx, u.Namespace); err != nil {
			return apierrors.Wrapf(err, "TeardownTimeout waiting for stale namespace %s", u.Namespace)
		}
	}
	ns := BuildNamespace(m.cfg, u.Username)
	if err := m.client.CreateNamespace(ctx, ns); err != nil {
		return apierrors.FailedTo("create namespace", err)
	}
	m.recordResource(u, "Namespace", ns.Name)
	return nil
}

const hubNamespace = "hub"
const labPort int32 = 8888

func (m *Manager) stepNetworkPolicy(ctx context.Context, u *UserLabState) error {
	np := BuildNetworkPolicy(u.Namespace, hubNamespace, labPort)
	if err := m.client.CreateNetworkPolicy(ctx, u.Namespace, np); err != nil {
		return apierrors.FailedTo("create network policy", err)
	}
	m.recordResource(u, "NetworkPolicy", np.Name)
	return nil
}

func (m *Manager) stepPullSecret(ctx context.Context, u *UserLabState) error {
	if m.cfg.PullSecretName == "" {
		return nil
	}
	source, err := m.client.GetSecret(ctx, hubNamespace, m.cfg.PullSecretName)
	if err != nil {
		return apierrors.FailedTo("read controller pull secret", err)
	}
	secret := BuildPullSecret(u.Namespace, source, m.cfg.PullSecretName)
	if err := m.client.CreateSecret(ctx, u.Namespace, secret); err != nil {
		return apierrors.FailedTo("create pull secret", err)
	}
	m.recordResource(u, "Secret", secret.Name)
	return nil
}

func (m *Manager) stepProjectedSecret(ctx context.Context, u *UserLabState) error {
	if len(m.cfg.SecretSources) == 0 {
		return nil
	}
	sources := make(map[string][]byte)
	seen := make(map[string]bool)
	for _, p := range m.cfg.SecretSources {
		if seen[p.SourceSecret] {
			continue
		}
		seen[p.SourceSecret] = true
		s, err := m.client.GetSecret(ctx, hubNamespace, p.SourceSecret)
		if err != nil {
			return apierrors.FailedTo("read projected secret source "+p.SourceSecret, err)
		}
		for k, v := range s.Data {
			sources[p.SourceSecret+"/"+k] = v
		}
	}
	secret := BuildProjectedSecret(u.Namespace, m.cfg.SecretSources, sources)
	if err := m.client.CreateSecret(ctx, u.Namespace, secret); err != nil {
		return apierrors.FailedTo("create projected secret", err)
	}
	m.recordResource(u, "Secret", secret.Name)
	return nil
}

func (m *Manager) stepConfigMaps(ctx context.Context, u *UserLabState) error {
	img := imageEnv{Reference: u.Image.Reference(), Digest: u.Image.Digest, Description: u.Image.Description}
	envCM := BuildEnvConfigMap(u.Namespace, m.cfg.Env, u.Options.Env, img, u.Size)
	if err := m.client.CreateConfigMap(ctx, u.Namespace, envCM); err != nil {
		return apierrors.FailedTo("create env configmap", err)
	}
	m.recordResource(u, "ConfigMap", envCM.Name)

	identity := u.Identity
	if identity.Name == "" {
		identity.Name = u.Username
	}
	nssCM := BuildNSSConfigMap(u.Namespace, m.cfg.NSSBasePasswd, m.cfg.NSSBaseGroup, identity)
	if err := m.client.CreateConfigMap(ctx, u.Namespace, nssCM); err != nil {
		return apierrors.FailedTo("create nss configmap", err)
	}
	m.recordResource(u, "ConfigMap", nssCM.Name)

	filesCM := BuildStaticFilesConfigMap(u.Namespace, nil)
	if err := m.client.CreateConfigMap(ctx, u.Namespace, filesCM); err != nil {
		return apierrors.FailedTo("create static files configmap", err)
	}
	m.recordResource(u, "ConfigMap", filesCM.Name)
	return nil
}

func (m *Manager) stepVolumes(ctx context.Context, u *UserLabState) error {
	for _, v := range m.volumeSpecs() {
		pvc := BuildPVC(u.Namespace, v)
		if err := m.client.CreatePVC(ctx, u.Namespace, pvc); err != nil {
			return apierrors.FailedTo("create pvc "+v.Name, err)
		}
		m.recordResource(u, "PersistentVolumeClaim", pvc.Name)
	}
	return nil
}

// volumeSpecs is a seam for configuring declared volumes; the controller
// ships none by default (home-directory provisioning is delegated to an
// out-of-scope init container per spec.md §1).
func (m *Manager) volumeSpecs() []VolumeSpec { return nil }

func (m *Manager) stepResourceQuota(ctx context.Context, u *UserLabState) error {
	q := BuildResourceQuota(u.Namespace, u.Size)
	if err := m.client.CreateResourceQuota(ctx, u.Namespace, q); err != nil {
		return apierrors.FailedTo("create resource quota", err)
	}
	m.recordResource(u, "ResourceQuota", q.Name)
	return nil
}

// stepServiceAccount waits for the API server to asynchronously populate
// the namespace's default ServiceAccount (spec.md §4.E step 8).
func (m *Manager) stepServiceAccount(ctx context.Context, u *UserLabState) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := m.client.GetServiceAccount(ctx, u.Namespace, "default"); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return apierrors.Wrapf(ctx.Err(), "timed out waiting for default service account in %s", u.Namespace)
		case <-ticker.C:
		}
	}
}

func (m *Manager) stepService(ctx context.Context, u *UserLabState) error {
	svc := BuildService(u.Namespace, "nb-"+u.Username, labPort)
	if err := m.client.CreateService(ctx, u.Namespace, svc); err != nil {
		return apierrors.FailedTo("create service", err)
	}
	m.recordResource(u, "Service", svc.Name)
	return nil
}

func (m *Manager) stepPod(ctx context.Context, u *UserLabState) error {
	var initContainers []corev1.Container
	if u.Options.ResetUserEnv {
		initContainers = append(initContainers, corev1.Container{
			Name:    "reset-user-env",
			Image:   u.Image.Reference(),
			Command: []string{"rm", "-rf", "/home/" + u.Username + "/.cache"},
		})
	}
	pod := BuildPod(u.Namespace, PodBuildInput{
		Username:       u.Username,
		Image:          imageEnv{Reference: u.Image.Reference(), Digest: u.Image.Digest, Description: u.Image.Description},
		Size:           u.Size,
		PullSecretName: m.cfg.PullSecretName,
		Privileged:     m.cfg.Privileged,
		LabPort:        labPort,
		Labels:         m.cfg.Labels,
		InitContainers: initContainers,
	})
	if err := m.client.CreatePod(ctx, u.Namespace, pod); err != nil {
		return apierrors.FailedTo("create pod", err)
	}
	m.recordResource(u, "Pod", pod.Name)
	return nil
}

func (m *Manager) recordResource(u *UserLabState, kind, name string) {
	u.Mu.Lock()
	u.Resources = append(u.Resources, CreatedResource{Kind: kind, Name: name})
	u.Mu.Unlock()
}
