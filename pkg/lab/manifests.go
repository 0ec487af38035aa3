package lab

import (
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/lsst-sqre/nublado/internal/config"
)

// UserIdentity is the subset of an identity-service user record the
// manager and manifest builders need (spec.md §1: "the identity service
// client...is out of scope"; this is its narrow contract). It arrives
// with the create request rather than being fetched by this package.
type UserIdentity struct {
	Name             string
	UID              int64
	PrimaryGID       int64
	SupplementalGIDs []int64
	Groups           []string
	QuotaMemBytes    int64
	Forbidden        bool // identity service denies this user permission to spawn
}

const trueLabel = "true"

func labNamespaceName(prefix, username string) string {
	return fmt.Sprintf("%s-%s", prefix, username)
}

func baseLabels(username string, category string, extra map[string]string) map[string]string {
	labels := map[string]string{"category": category, "user": username}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

// BuildNamespace constructs the per-user lab namespace (spec.md §6:
// "{prefix}-{username}", labels+annotations from config).
func BuildNamespace(cfg config.LabSettings, username string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        labNamespaceName(cfg.NamespacePrefix, username),
			Labels:      baseLabels(username, "lab", cfg.Labels),
			Annotations: cfg.Annotations,
		},
	}
}

// BuildNetworkPolicy restricts ingress to the lab's own namespace and the
// hub namespace, on the lab port (spec.md §4.E step 2).
func BuildNetworkPolicy(ns, hubNamespace string, labPort int32) *networkingv1.NetworkPolicy {
	portRef := intstr.FromInt(int(labPort))
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "lab-ingress", Namespace: ns},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					Ports: []networkingv1.NetworkPolicyPort{{Port: &portRef}},
					From: []networkingv1.NetworkPolicyPeer{
						{NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": ns}}},
						{NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": hubNamespace}}},
					},
				},
			},
		},
	}
}

// BuildPullSecret copies a controller-namespace pull secret into the
// user's namespace (spec.md §4.E step 3).
func BuildPullSecret(ns string, source *corev1.Secret, name string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       source.Data,
	}
}

// BuildProjectedSecret assembles the secret composed of the configured
// secret projections (spec.md §4.E step 4 / §6 "Secret projections").
// Env-destined values are keyed by their AsEnvVar name; file-destined
// values are keyed by their AsFile name so the Pod can mount them directly.
func BuildProjectedSecret(ns string, projections []config.SecretProjection, sources map[string][]byte) *corev1.Secret {
	data := make(map[string][]byte)
	for _, p := range projections {
		val, ok := sources[p.SourceSecret+"/"+p.SourceKey]
		if !ok {
			continue
		}
		if p.AsFile != "" {
			data[p.AsFile] = val
		} else if p.AsEnvVar != "" {
			data[p.AsEnvVar] = val
		}
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "lab-secrets", Namespace: ns},
		Data:       data,
	}
}

// BuildEnvConfigMap merges config env, request env, and computed
// resource/image vars, later wins on duplicates (spec.md §6 Pod env
// ordering).
func BuildEnvConfigMap(ns string, configEnv, requestEnv map[string]string, img imageEnv, size ResolvedSize) *corev1.ConfigMap {
	merged := make(map[string]string)
	for k, v := range configEnv {
		merged[k] = v
	}
	merged["CPU_LIMIT"] = fmt.Sprintf("%g", size.CPULimit)
	merged["CPU_GUARANTEE"] = fmt.Sprintf("%g", size.CPUGuarantee)
	merged["MEM_LIMIT"] = fmt.Sprintf("%d", size.MemLimitBytes)
	merged["MEM_GUARANTEE"] = fmt.Sprintf("%d", size.MemGuarBytes)
	merged["JUPYTER_IMAGE_SPEC"] = img.Reference
	merged["IMAGE_DIGEST"] = img.Digest
	merged["IMAGE_DESCRIPTION"] = img.Description
	for k, v := range requestEnv {
		merged[k] = v
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "lab-env", Namespace: ns},
		Data:       merged,
	}
}

// imageEnv is the narrow slice of RSPImage the env ConfigMap builder
// needs, kept separate so this file doesn't import pkg/images for one
// struct.
type imageEnv struct {
	Reference   string
	Digest      string
	Description string
}

// BuildNSSConfigMap synthesizes /etc/passwd and /etc/group contents: base
// text from config plus the user's own uid/primary-gid and every
// supplemental group entry (spec.md §6 "NSS").
func BuildNSSConfigMap(ns string, basePasswd, baseGroup string, user UserIdentity) *corev1.ConfigMap {
	passwd := basePasswd
	if passwd != "" && !strings.HasSuffix(passwd, "\n") {
		passwd += "\n"
	}
	passwd += fmt.Sprintf("%s:x:%d:%d::/home/%s:/bin/bash\n", user.Name, user.UID, user.PrimaryGID, user.Name)

	group := baseGroup
	if group != "" && !strings.HasSuffix(group, "\n") {
		group += "\n"
	}
	sortedGroups := append([]string(nil), user.Groups...)
	sort.Strings(sortedGroups)
	for i, g := range sortedGroups {
		gid := user.PrimaryGID
		if i < len(user.SupplementalGIDs) {
			gid = user.SupplementalGIDs[i]
		}
		group += fmt.Sprintf("%s:x:%d:%s\n", g, gid, user.Name)
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "lab-nss", Namespace: ns},
		Data:       map[string]string{"passwd": passwd, "group": group},
	}
}

// BuildStaticFilesConfigMap carries config-declared static file content
// (spec.md §4.E step 5).
func BuildStaticFilesConfigMap(ns string, files map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "lab-files", Namespace: ns},
		Data:       files,
	}
}

// VolumeSpec names one PVC the lab pod needs (spec.md §4.E step 6: "names
// derived from the volume name").
type VolumeSpec struct {
	Name         string
	SizeBytes    int64
	AccessMode   corev1.PersistentVolumeAccessMode
	StorageClass string
}

// BuildPVC constructs one PersistentVolumeClaim for a declared volume.
func BuildPVC(ns string, v VolumeSpec) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "vol-" + v.Name, Namespace: ns},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{v.AccessMode},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: *resource.NewQuantity(v.SizeBytes, resource.BinarySI)},
			},
		},
	}
	if v.StorageClass != "" {
		pvc.Spec.StorageClassName = &v.StorageClass
	}
	return pvc
}

// BuildResourceQuota constructs the namespace's ResourceQuota from the
// user's quota (spec.md §4.E step 7). One lab per user, so the quota is
// exactly the chosen size's limits.
func BuildResourceQuota(ns string, size ResolvedSize) *corev1.ResourceQuota {
	return &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: "lab-quota", Namespace: ns},
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{
				corev1.ResourceLimitsCPU:    *resource.NewMilliQuantity(int64(size.CPULimit*1000), resource.DecimalSI),
				corev1.ResourceLimitsMemory: *resource.NewQuantity(size.MemLimitBytes, resource.BinarySI),
			},
		},
	}
}

// BuildService constructs the lab Service fronting the notebook pod.
func BuildService(ns, podSelector string, port int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "lab", Namespace: ns},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": podSelector},
			Ports:    []corev1.ServicePort{{Port: port, TargetPort: intstr.FromInt(int(port))}},
		},
	}
}

// PodBuildInput bundles everything BuildPod needs beyond namespace/username.
type PodBuildInput struct {
	Username       string
	Image          imageEnv
	Size           ResolvedSize
	NodeSelector   map[string]string
	Tolerations    []corev1.Toleration
	Volumes        []VolumeSpec
	PullSecretName string
	Privileged     bool
	LabPort        int32
	Labels         map[string]string
	InitContainers []corev1.Container
}

// BuildPod constructs the notebook Pod: init containers, main container,
// volumes/mounts, env, resource limits/requests, security context
// (non-root unless privileged), node selector, tolerations, and optional
// pull secret (spec.md §4.E step 10). No affinity is set on the Pod.
func BuildPod(ns string, in PodBuildInput) *corev1.Pod {
	nonRoot := !in.Privileged
	var pullSecrets []corev1.LocalObjectReference
	if in.PullSecretName != "" {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: in.PullSecretName})
	}

	volumes := []corev1.Volume{
		{Name: "env", VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: "lab-env"}}}},
		{Name: "nss", VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: "lab-nss"}}}},
		{Name: "secrets", VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: "lab-secrets"}}},
	}
	mounts := []corev1.VolumeMount{
		{Name: "nss", MountPath: "/etc/nss-lab", ReadOnly: true},
		{Name: "secrets", MountPath: "/opt/lab/secrets", ReadOnly: true},
	}
	for _, v := range in.Volumes {
		volName := "vol-" + v.Name
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: volName},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: volName, MountPath: "/home/" + in.Username + "/" + v.Name})
	}

	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(in.Size.CPULimit*1000), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(in.Size.MemLimitBytes, resource.BinarySI),
	}
	requests := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(in.Size.CPUGuarantee*1000), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(in.Size.MemGuarBytes, resource.BinarySI),
	}

	labels := map[string]string{"app": "nb-" + in.Username, "category": "lab", "user": in.Username}
	for k, v := range in.Labels {
		labels[k] = v
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "nb-" + in.Username, Namespace: ns, Labels: labels},
		Spec: corev1.PodSpec{
			InitContainers: in.InitContainers,
			Containers: []corev1.Container{
				{
					Name:  "notebook",
					Image: in.Image.Reference,
					Ports: []corev1.ContainerPort{{ContainerPort: in.LabPort}},
					EnvFrom: []corev1.EnvFromSource{
						{ConfigMapRef: &corev1.ConfigMapEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: "lab-env"}}},
					},
					VolumeMounts: mounts,
					Resources: corev1.ResourceRequirements{
						Limits:   limits,
						Requests: requests,
					},
					SecurityContext: &corev1.SecurityContext{RunAsNonRoot: &nonRoot},
				},
			},
			Volumes:          volumes,
			NodeSelector:     in.NodeSelector,
			Tolerations:      in.Tolerations,
			ImagePullSecrets: pullSecrets,
			RestartPolicy:    corev1.RestartPolicyNever,
		},
	}
}
