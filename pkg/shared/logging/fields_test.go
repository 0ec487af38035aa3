package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewFields(t *testing.T) {
	f := NewFields()
	if f == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(f) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(f))
	}
}

func TestFields_Chained(t *testing.T) {
	f := NewFields().
		Component("lab-manager").
		Operation("create").
		Resource("pod", "nb-rachel").
		Duration(200 * time.Millisecond).
		Count(3)

	expected := map[string]interface{}{
		"component":     "lab-manager",
		"operation":     "create",
		"resource_type": "pod",
		"resource_name": "nb-rachel",
		"duration_ms":   int64(200),
		"count":         3,
	}
	for k, want := range expected {
		if f[k] != want {
			t.Errorf("field %s = %v, want %v", k, f[k], want)
		}
	}
}

func TestFields_ResourceWithoutName(t *testing.T) {
	f := NewFields().Resource("namespace", "")
	if _, ok := f["resource_name"]; ok {
		t.Error("Resource() should not set resource_name when empty")
	}
}

func TestFields_ErrorNil(t *testing.T) {
	f := NewFields().Error(nil)
	if _, ok := f["error"]; ok {
		t.Error("Error(nil) should not set the error field")
	}
	f2 := NewFields().Error(errors.New("boom"))
	if f2["error"] != "boom" {
		t.Errorf("Error() = %v, want boom", f2["error"])
	}
}

func TestKubernetesFields(t *testing.T) {
	f := KubernetesFields("create", "pod", "nb-bob", "userlabs-bob")
	if f["namespace"] != "userlabs-bob" {
		t.Errorf("namespace = %v", f["namespace"])
	}
	if f["resource_type"] != "pod" || f["resource_name"] != "nb-bob" {
		t.Errorf("resource fields wrong: %+v", f)
	}
}

func TestKubernetesFieldsWithoutNamespace(t *testing.T) {
	f := KubernetesFields("list", "node", "", "")
	if _, ok := f["namespace"]; ok {
		t.Error("KubernetesFields() should omit namespace when empty")
	}
}

func TestHTTPFields(t *testing.T) {
	f := HTTPFields("POST", "/labs/rachel", 201)
	if f["method"] != "POST" || f["url"] != "/labs/rachel" || f["status_code"] != 201 {
		t.Errorf("HTTPFields() = %+v", f)
	}
}

func TestPerformanceFields(t *testing.T) {
	f := PerformanceFields("spawn", 3*time.Second, true)
	if f["duration_ms"] != int64(3000) || f["success"] != true {
		t.Errorf("PerformanceFields() = %+v", f)
	}
}

func TestToLogrus(t *testing.T) {
	f := NewFields().Component("x")
	m := f.ToLogrus()
	if m["component"] != "x" {
		t.Errorf("ToLogrus() = %+v", m)
	}
}
