package prepuller

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PodSpecConfig carries the static pieces a prepull pod borrows from the
// lab pod spec (spec.md §4.D: "same tolerations/pull-secret as labs").
type PodSpecConfig struct {
	Namespace      string
	Tolerations    []corev1.Toleration
	PullSecretName string
	ActiveDeadline int64 // seconds
	Labels         map[string]string
}

// BuildPrepullJob constructs the Job whose sole purpose is to force the
// kubelet to pull gap.Digest onto gap.Node: a single "sleep 5" container
// pinned via nodeName, BackoffLimit 0 (the gap scanner retries with its
// own backoff instead of letting the Job controller do it), and
// RestartPolicyNever (grounded on kube-fledged's commonJob pattern).
func BuildPrepullJob(gap GapElement, reference string, cfg PodSpecConfig) *batchv1.Job {
	backoffLimit := int32(0)
	name := jobName(gap)

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	labels["category"] = "prepull"

	var pullSecrets []corev1.LocalObjectReference
	if cfg.PullSecretName != "" {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: cfg.PullSecretName})
	}

	deadline := cfg.ActiveDeadline
	if deadline == 0 {
		deadline = 300
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          &backoffLimit,
			ActiveDeadlineSeconds: &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Namespace: cfg.Namespace, Labels: labels},
				Spec: corev1.PodSpec{
					NodeName: gap.Node,
					Containers: []corev1.Container{
						{
							Name:    "prepull",
							Image:   reference,
							Command: []string{"sleep", "5"},
						},
					},
					RestartPolicy:    corev1.RestartPolicyNever,
					ImagePullSecrets: pullSecrets,
					Tolerations:      cfg.Tolerations,
				},
			},
		},
	}
}

// jobName derives a stable, DNS-label-safe Job name from the gap element
// so repeated scheduling attempts for the same (node, digest) collide
// into the same object rather than piling up duplicates.
func jobName(gap GapElement) string {
	digestSuffix := gap.Digest
	if idx := indexOfColon(digestSuffix); idx >= 0 {
		digestSuffix = digestSuffix[idx+1:]
	}
	if len(digestSuffix) > 12 {
		digestSuffix = digestSuffix[:12]
	}
	return fmt.Sprintf("prepull-%s-%s", sanitizeNodeName(gap.Node), digestSuffix)
}

func indexOfColon(s string) int {
	for i, c := range s {
		if c == ':' {
			return i
		}
	}
	return -1
}

func sanitizeNodeName(node string) string {
	out := make([]rune, 0, len(node))
	for _, r := range node {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
		case r == '.', r == '-':
			out = append(out, '-')
		default:
			out = append(out, '-')
		}
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return string(out)
}
