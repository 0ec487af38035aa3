package fileserver

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/lsst-sqre/nublado/internal/config"
)

func namespaceName(prefix, username string) string { return fmt.Sprintf("%s-%s", prefix, username) }

func jobName(username string) string { return "fs-" + username }

func labels(username string) map[string]string {
	return map[string]string{"category": "fileserver", "user": username}
}

func objectMetaFor(ns, username string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: ns, Labels: labels(username)}
}

// BuildJob constructs the single-Pod WebDAV Job (restartPolicy=Never);
// the server enforces its own idle timeout internally and exits, at
// which point the watch drives full cleanup (spec.md §4.F).
func BuildJob(ns, username string, cfg config.FileServerSettings) *batchv1.Job {
	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName(username), Namespace: ns, Labels: labels(username)},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Namespace: ns, Labels: labels(username)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "webdav",
							Image: cfg.Image,
							Env: []corev1.EnvVar{
								{Name: "WEBDAV_IDLE_TIMEOUT", Value: cfg.IdleTimeout.String()},
								{Name: "WEBDAV_USER", Value: username},
							},
							Ports: []corev1.ContainerPort{{ContainerPort: 4433}},
						},
					},
					RestartPolicy: corev1.RestartPolicyNever,
				},
			},
		},
	}
}

// BuildService fronts the WebDAV pod.
func BuildService(ns, username string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "fs-" + username, Namespace: ns, Labels: labels(username)},
		Spec: corev1.ServiceSpec{
			Selector: labels(username),
			Ports:    []corev1.ServicePort{{Port: 4433, TargetPort: intstr.FromInt(4433)}},
		},
	}
}

// BuildIngress constructs the gafaelfawr-annotated Ingress that exposes
// the per-user WebDAV endpoint externally.
func BuildIngress(ns, username string, cfg config.FileServerSettings) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "fs-" + username,
			Namespace: ns,
			Labels:    labels(username),
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/auth-url": "https://gafaelfawr/auth",
			},
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/files/" + username,
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: "fs-" + username,
											Port: networkingv1.ServiceBackendPort{Number: 4433},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if cfg.IngressClass != "" {
		ing.Spec.IngressClassName = &cfg.IngressClass
	}
	return ing
}
