package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID: 1,
		Distribution: DistributionConfiguration{
			QueueCapacity:  256,
			OverflowPolicy: OverflowDropOldest,
			MaxSendRetries: 3,
			RetryBackoffMS: 100,
			ShutdownPolicy: ShutdownDrain,
		},
		Builder: BuilderConfiguration{
			BatchRowThresholdBytes: 4096,
			SnapshotCacheSize:      128,
		},
		Server: ServerConfiguration{
			BindAddress: "0.0.0.0",
			Port:        8484,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected valid config, got error: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{0, -1, 70000} {
		Config = validConfig()
		Config.Server.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for port %d", port)
		}
	}
}

func TestValidate_InvalidOverflowPolicy(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Distribution.OverflowPolicy = "drop_newest"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown overflow policy")
	}
}

func TestValidate_InvalidShutdownPolicy(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Distribution.ShutdownPolicy = "linger"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown shutdown policy")
	}
}

func TestValidate_QueueCapacity(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Distribution.QueueCapacity = 0

	if err := Validate(); err == nil {
		t.Error("Expected error for zero queue capacity")
	}
}

func TestValidate_SinkRequirements(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		sink    SinkConfiguration
		wantErr bool
	}{
		{
			name:    "nats with url",
			sink:    SinkConfiguration{Name: "s1", Type: "nats", NatsURL: "nats://localhost:4222"},
			wantErr: false,
		},
		{
			name:    "nats missing url",
			sink:    SinkConfiguration{Name: "s1", Type: "nats"},
			wantErr: true,
		},
		{
			name:    "kafka with brokers",
			sink:    SinkConfiguration{Name: "s2", Type: "kafka", Brokers: []string{"localhost:9092"}},
			wantErr: false,
		},
		{
			name:    "kafka missing brokers",
			sink:    SinkConfiguration{Name: "s2", Type: "kafka"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			sink:    SinkConfiguration{Name: "s3", Type: "rabbitmq"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = validConfig()
			Config.Sinks = []SinkConfiguration{tc.sink}

			err := Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
node_id = 42

[distribution]
queue_capacity = 512
overflow_policy = "block"

[server]
port = 9999

[builder]
batch_row_threshold_bytes = 8192
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("NodeID = %d, want 42", Config.NodeID)
	}
	if Config.Distribution.QueueCapacity != 512 {
		t.Errorf("QueueCapacity = %d, want 512", Config.Distribution.QueueCapacity)
	}
	if Config.Distribution.OverflowPolicy != OverflowBlock {
		t.Errorf("OverflowPolicy = %q, want block", Config.Distribution.OverflowPolicy)
	}
	if Config.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", Config.Server.Port)
	}
	if Config.Builder.BatchRowThresholdBytes != 8192 {
		t.Errorf("BatchRowThresholdBytes = %d, want 8192", Config.Builder.BatchRowThresholdBytes)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()

	if err := Load(filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}

	if Config.Distribution.QueueCapacity != 256 {
		t.Errorf("Defaults should be untouched, QueueCapacity = %d", Config.Distribution.QueueCapacity)
	}
}

func TestLoad_AutoGeneratesNodeID(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.NodeID = 0

	if err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID == 0 {
		t.Error("NodeID should be auto-generated when unset")
	}
}
