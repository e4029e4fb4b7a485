package logging

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnID(t *testing.T) {
	_, ok := TxnID(nil)
	assert.False(t, ok)

	_, ok = TxnID(context.Background())
	assert.False(t, ok)

	ctx := WithTxnID(context.Background(), "abc-123")
	id, ok := TxnID(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc-123", id)

	assert.Equal(t, "abc-123", Logger(ctx).Data["txnid"])
	assert.NotContains(t, Logger(context.Background()).Data, "txnid")
}

func TestConfigureFile(t *testing.T) {
	defer setOutput(os.Stderr)

	logFile := filepath.Join(t.TempDir(), "tbrpc.log")

	cfg := viper.New()
	cfg.Set("logging.location", logFile)
	cfg.Set("logging.level", "warn")
	cfg.Set("logging.format", "json")
	require.NoError(t, Configure(cfg))
	defer logrus.SetLevel(logrus.InfoLevel)

	Logger(nil).Warn("written")
	Logger(nil).Info("filtered")

	b, err := ioutil.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"written"`)
	assert.Contains(t, string(b), `"instance"`)
	assert.NotContains(t, string(b), "filtered")
}

func TestConfigureRejectsBadSettings(t *testing.T) {
	defer setOutput(os.Stderr)
	defer logrus.SetLevel(logrus.InfoLevel)

	cfg := viper.New()
	cfg.Set("logging.location", "stderr")
	cfg.Set("logging.level", "loud")
	cfg.Set("logging.format", "text")
	assert.Error(t, Configure(cfg))

	cfg.Set("logging.level", "info")
	cfg.Set("logging.format", "xml")
	assert.Error(t, Configure(cfg))
}
