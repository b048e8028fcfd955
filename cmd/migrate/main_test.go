package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeMigrator struct {
	upErr    error
	stepsErr error
	steps    []int
	version  uint
	dirty    bool
	verErr   error
}

func (f *fakeMigrator) Up() error { return f.upErr }

func (f *fakeMigrator) Steps(n int) error {
	f.steps = append(f.steps, n)
	return f.stepsErr
}

func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, f.verErr }

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}

func TestRun_Up(t *testing.T) {
	t.Run("Applied", func(t *testing.T) {
		log, logs := observed()
		require.NoError(t, run(&fakeMigrator{}, "up", log))
		assert.Equal(t, 1, logs.FilterMessage("migrations applied successfully").Len())
	})

	t.Run("NoChange", func(t *testing.T) {
		log, logs := observed()
		require.NoError(t, run(&fakeMigrator{upErr: migrate.ErrNoChange}, "up", log))
		assert.Equal(t, 1, logs.FilterMessage("no pending migrations").Len())
	})

	t.Run("Failure", func(t *testing.T) {
		log, _ := observed()
		err := run(&fakeMigrator{upErr: errors.New("syntax error")}, "up", log)
		assert.ErrorContains(t, err, "migration up failed")
	})
}

func TestRun_Down(t *testing.T) {
	log, _ := observed()
	m := &fakeMigrator{}

	require.NoError(t, run(m, "down", log))
	assert.Equal(t, []int{-1}, m.steps)

	m.stepsErr = migrate.ErrNoChange
	assert.NoError(t, run(m, "down", log))

	m.stepsErr = errors.New("boom")
	assert.ErrorContains(t, run(m, "down", log), "migration down failed")
}

func TestRun_Version(t *testing.T) {
	t.Run("Current", func(t *testing.T) {
		log, logs := observed()
		require.NoError(t, run(&fakeMigrator{version: 3}, "version", log))

		entries := logs.FilterMessage("current migration version").All()
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(3), entries[0].ContextMap()["version"])
	})

	t.Run("Nothing applied", func(t *testing.T) {
		log, logs := observed()
		require.NoError(t, run(&fakeMigrator{verErr: migrate.ErrNilVersion}, "version", log))
		assert.Equal(t, 1, logs.FilterMessage("no migrations applied yet").Len())
	})
}

func TestRun_UnknownCommand(t *testing.T) {
	log, _ := observed()
	assert.ErrorContains(t, run(&fakeMigrator{}, "sideways", log), "unknown command")
}
