package metrics

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRegistry(t *testing.T) {
	r := NewNoop()
	r.Scope().Counter("rounds").Inc(1)

	assert.Error(t, r.Serve(9100))
	assert.NoError(t, r.Close(context.Background()))
}

func TestRegistryScope(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	r := NewRegistry("gms_test", map[string]string{"node": "node-1"}, log)

	scope := r.Scope()
	require.NotNil(t, scope)
	scope.SubScope("gossip").Counter("rounds").Inc(1)
	scope.Gauge("live_endpoints").Update(2)

	assert.NoError(t, r.Close(context.Background()))
}
