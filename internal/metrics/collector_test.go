package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestCollector() *Collector {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(log, "abcd1234", "bridge")
}

func TestSetPeersConnectedRecordsGaugeByTopic(t *testing.T) {
	c := newTestCollector()
	c.SetPeersConnected("all", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.peersConnected.WithLabelValues("all")))

	c.SetPeersConnected("all", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.peersConnected.WithLabelValues("all")))
}

func TestIncHandshakeErrorIncrementsCounter(t *testing.T) {
	c := newTestCollector()
	c.IncHandshakeError()
	c.IncHandshakeError()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.handshakeErrors))
}
