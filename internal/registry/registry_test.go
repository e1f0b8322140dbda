package registry

import (
	"testing"

	"github.com/smazurov/evsmux/internal/hal"
	"github.com/smazurov/evsmux/internal/hal/simhal"
)

func fakeFactory(t *testing.T) hal.DeviceFactory {
	return func(cameraID string) (hal.Device, error) {
		return simhal.New(hal.StreamConfig{}), nil
	}
}

func TestOpenCamera_ReusesExistingEntry(t *testing.T) {
	r := New(Config{Factory: fakeFactory(t)})

	c1, err := r.OpenCamera("rear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, err := r.OpenCamera("rear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected the same HalCamera instance for repeated opens of the same id")
	}
}

func TestReleaseCamera_TearsDownAfterLastClient(t *testing.T) {
	r := New(Config{Factory: fakeFactory(t)})

	r.OpenCamera("rear")
	r.OpenCamera("rear")

	r.ReleaseCamera("rear")
	if _, ok := r.Lookup("rear"); !ok {
		t.Fatalf("camera should survive while one client remains")
	}

	r.ReleaseCamera("rear")
	if _, ok := r.Lookup("rear"); ok {
		t.Fatalf("camera should be torn down once the last client releases")
	}
}

func TestOpenCamera_DistinctIDsGetDistinctCameras(t *testing.T) {
	r := New(Config{Factory: fakeFactory(t)})

	front, _ := r.OpenCamera("front")
	rear, _ := r.OpenCamera("rear")
	if front == rear {
		t.Fatalf("distinct camera ids should get distinct HalCamera instances")
	}
	if got := len(r.Cameras()); got != 2 {
		t.Fatalf("expected 2 open cameras, got %d", got)
	}
}
