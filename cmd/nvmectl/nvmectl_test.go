package main

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testOptions() options {
	return options{
		logLevel:  "warn",
		pages:     1024,
		cpus:      4,
		msix:      3,
		diskSize:  4 << 20,
		readyWait: 5 * time.Second,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestSmoke(t *testing.T) {
	log.SetLevel(logrus.WarnLevel)

	t.Run("ram disk", func(t *testing.T) {
		require.NoError(t, runSmoke(testContext(t), testOptions(), 16))
	})

	t.Run("erasure disk", func(t *testing.T) {
		o := testOptions()
		o.erasure = true
		require.NoError(t, runSmoke(testContext(t), o, 16))
	})

	t.Run("bounce buffers", func(t *testing.T) {
		o := testOptions()
		o.bounce = true
		require.NoError(t, runSmoke(testContext(t), o, 8))
	})

	t.Run("too large for guest memory", func(t *testing.T) {
		o := testOptions()
		o.pages = 64
		require.Error(t, runSmoke(testContext(t), o, 128))
	})
}

func TestSave(t *testing.T) {
	log.SetLevel(logrus.WarnLevel)

	require.NoError(t, runSave(testContext(t), testOptions(), false))
	require.NoError(t, runSave(testContext(t), testOptions(), true))
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("NVMECTL_CPUS", "12")
	t.Setenv("NVMECTL_ERASURE", "true")
	t.Setenv("NVMECTL_LOG_LEVEL", "debug")

	require.Equal(t, 12, envInt("NVMECTL_CPUS", 4))
	require.True(t, envBool("NVMECTL_ERASURE", false))
	require.Equal(t, "debug", envString("NVMECTL_LOG_LEVEL", "info"))
	require.Equal(t, 7, envInt("NVMECTL_UNSET", 7))
}
