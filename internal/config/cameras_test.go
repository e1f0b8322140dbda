package config

import (
	"path/filepath"
	"testing"
)

func TestCameraManager_AddAndPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.toml")

	cm := NewCameraManager(path)
	if err := cm.AddCamera(CameraConfig{ID: "rear", Device: "/dev/video0"}); err != nil {
		t.Fatalf("AddCamera failed: %v", err)
	}

	reloaded := NewCameraManager(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cam, ok := reloaded.GetCamera("rear")
	if !ok {
		t.Fatalf("expected camera 'rear' to be persisted")
	}
	if cam.Device != "/dev/video0" {
		t.Fatalf("expected device /dev/video0, got %q", cam.Device)
	}
	if cam.DefaultBuffers != 2 {
		t.Fatalf("expected default buffer budget of 2, got %d", cam.DefaultBuffers)
	}
	if !cam.Enabled {
		t.Fatalf("expected camera to default to enabled")
	}
}

func TestCameraManager_GetEnabledCameras(t *testing.T) {
	cm := NewCameraManager(filepath.Join(t.TempDir(), "cameras.toml"))
	cm.AddCamera(CameraConfig{ID: "rear", Enabled: true})
	cm.AddCamera(CameraConfig{ID: "front", Enabled: false})
	// AddCamera forces Enabled=true when false was passed and it was
	// never previously set; disable it explicitly afterward instead.
	front, _ := cm.GetCamera("front")
	front.Enabled = false
	cm.config.Cameras["front"] = front

	enabled := cm.GetEnabledCameras()
	if _, ok := enabled["rear"]; !ok {
		t.Fatalf("expected rear to be enabled")
	}
	if _, ok := enabled["front"]; ok {
		t.Fatalf("expected front to be disabled")
	}
}

func TestCameraManager_RemoveCamera(t *testing.T) {
	cm := NewCameraManager(filepath.Join(t.TempDir(), "cameras.toml"))
	cm.AddCamera(CameraConfig{ID: "rear"})

	if err := cm.RemoveCamera("rear"); err != nil {
		t.Fatalf("RemoveCamera failed: %v", err)
	}
	if _, ok := cm.GetCamera("rear"); ok {
		t.Fatalf("expected rear to be removed")
	}
	if err := cm.RemoveCamera("rear"); err == nil {
		t.Fatalf("expected error removing an already-removed camera")
	}
}
