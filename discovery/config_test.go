package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		field   string
	}{
		{name: "disabled ignores fields", config: &Config{Type: "etcd"}},
		{name: "valid", config: &Config{Enabled: true, Type: TypeConsul, Addr: "localhost:8500"}},
		{name: "empty type", config: &Config{Enabled: true}},
		{name: "unsupported type", config: &Config{Enabled: true, Type: "etcd"}, wantErr: true, field: "type"},
		{name: "negative timeout", config: &Config{Enabled: true, Timeout: -time.Second}, wantErr: true, field: "timeout"},
		{name: "negative queue", config: &Config{Enabled: true, QueueSize: -1}, wantErr: true, field: "queue_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			if assert.ErrorAs(t, err, &cfgErr) {
				assert.Equal(t, tt.field, cfgErr.Field)
			}
		})
	}

	var nilConfig *Config
	assert.ErrorIs(t, nilConfig.Validate(), ErrNilConfig)
}

func TestConfig_SetDefaults(t *testing.T) {
	config := &Config{}
	config.SetDefaults()

	assert.Equal(t, TypeConsul, config.Type)
	assert.Equal(t, DefaultVersion, config.Version)
	assert.Equal(t, DefaultTimeout, config.Timeout)
	assert.Equal(t, DefaultQueueSize, config.QueueSize)

	// 已设置的值应该保留
	custom := &Config{Version: "2.0.0", Timeout: time.Second, QueueSize: 8}
	custom.SetDefaults()
	assert.Equal(t, "2.0.0", custom.Version)
	assert.Equal(t, time.Second, custom.Timeout)
	assert.Equal(t, 8, custom.QueueSize)
}
