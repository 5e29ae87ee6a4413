package agentlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfigureNilRestoresNoop(t *testing.T) {
	defer Configure(nil)

	sink, err := NewJSONLogger(zapcore.InfoLevel)
	assert.NoError(t, err)
	Configure(sink)
	assert.Same(t, sink, Logger)

	Configure(nil)
	assert.NotSame(t, sink, Logger)
}

func TestComponentNamesChildLogger(t *testing.T) {
	defer Configure(nil)
	Configure(zap.NewNop().Sugar())

	child := Component("hubtransport")
	assert.NotNil(t, child)
}
