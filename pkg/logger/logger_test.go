package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "console development", cfg: Config{Level: "debug", Encoding: "console", Development: true}},
		{name: "invalid level", cfg: Config{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestInitReplacesGlobal(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	first := Get()
	require.NoError(t, Init(Config{Level: "debug"}))
	second := Get()

	assert.NotSame(t, first, second)
	assert.True(t, second.Core().Enabled(zapcore.DebugLevel))
}

func TestWithContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), RepoIDKey, "acme/data")
	ctx = context.WithValue(ctx, FlushIDKey, "f-1")
	assert.NotNil(t, WithContext(ctx))
}
