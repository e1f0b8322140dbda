package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// CameraConfig represents a single hardware camera entry in cameras.toml.
type CameraConfig struct {
	ID             string `toml:"id" json:"id"`
	Name           string `toml:"name" json:"name"`
	Device         string `toml:"device" json:"device"` // stable device identifier
	Enabled        bool   `toml:"enabled" json:"enabled"`
	SyncSupported  bool   `toml:"sync_supported" json:"sync_supported"`
	DefaultBuffers int    `toml:"default_buffers,omitempty" json:"default_buffers,omitempty"`

	CreatedAt time.Time `toml:"created_at" json:"created_at"`
	UpdatedAt time.Time `toml:"updated_at" json:"updated_at"`
}

// CamerasConfig represents the complete cameras configuration file.
type CamerasConfig struct {
	Version int                     `toml:"version" json:"version"`
	Cameras map[string]CameraConfig `toml:"cameras" json:"cameras"`
}

// CameraManager manages hardware camera configuration entries.
type CameraManager struct {
	configPath string
	config     *CamerasConfig
}

// NewCameraManager creates a new camera manager backed by a TOML file.
func NewCameraManager(configPath string) *CameraManager {
	if configPath == "" {
		configPath = "cameras.toml"
	}

	return &CameraManager{
		configPath: configPath,
		config: &CamerasConfig{
			Version: 1,
			Cameras: make(map[string]CameraConfig),
		},
	}
}

// Load loads the cameras configuration from file.
func (cm *CameraManager) Load() error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read cameras config: %w", err)
	}

	if err := toml.Unmarshal(data, cm.config); err != nil {
		return fmt.Errorf("failed to parse cameras config: %w", err)
	}

	if cm.config.Cameras == nil {
		cm.config.Cameras = make(map[string]CameraConfig)
	}
	if cm.config.Version == 0 {
		cm.config.Version = 1
	}

	return nil
}

// Save persists the cameras configuration to file.
func (cm *CameraManager) Save() error {
	dir := filepath.Dir(cm.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(cm.config)
	if err != nil {
		return fmt.Errorf("failed to marshal cameras config: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cameras config: %w", err)
	}

	return nil
}

// AddCamera adds a new camera entry to the configuration.
func (cm *CameraManager) AddCamera(cam CameraConfig) error {
	if cam.ID == "" {
		return fmt.Errorf("camera ID cannot be empty")
	}
	if cam.Name == "" {
		cam.Name = cam.ID
	}
	if cam.DefaultBuffers <= 0 {
		cam.DefaultBuffers = 2
	}

	now := time.Now()
	if cam.CreatedAt.IsZero() {
		cam.CreatedAt = now
	}
	cam.UpdatedAt = now

	if !cam.Enabled {
		cam.Enabled = true
	}

	cm.config.Cameras[cam.ID] = cam
	return cm.Save()
}

// GetCamera retrieves a camera entry by ID.
func (cm *CameraManager) GetCamera(id string) (CameraConfig, bool) {
	cam, exists := cm.config.Cameras[id]
	return cam, exists
}

// GetCameras returns all configured cameras.
func (cm *CameraManager) GetCameras() map[string]CameraConfig {
	return cm.config.Cameras
}

// GetEnabledCameras returns only cameras marked enabled.
func (cm *CameraManager) GetEnabledCameras() map[string]CameraConfig {
	enabled := make(map[string]CameraConfig)
	for id, cam := range cm.config.Cameras {
		if cam.Enabled {
			enabled[id] = cam
		}
	}
	return enabled
}

// RemoveCamera removes a camera entry from the configuration.
func (cm *CameraManager) RemoveCamera(id string) error {
	if _, exists := cm.config.Cameras[id]; !exists {
		return fmt.Errorf("camera %s not found", id)
	}

	delete(cm.config.Cameras, id)
	return cm.Save()
}
