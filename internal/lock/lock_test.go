/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUpdateLockFile_TwoHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	a := New(path, nil)
	b := New(path, nil)
	assert.Equal(t, GoAhead, a.ShouldUpdate())
	assert.Equal(t, NoUpdate, b.ShouldUpdate())
	assert.Equal(t, GoAhead, a.ShouldUpdate(), "idempotent while held")

	a.UpdateComplete()
	assert.Equal(t, GoAhead, b.ShouldUpdate())
	b.UpdateComplete()
}

func TestUpdateLockFile_FailsOpen(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing", "update.lock"), nil)
	assert.Equal(t, GoAhead, l.ShouldUpdate())
	l.UpdateComplete()

	assert.Equal(t, GoAhead, New("", nil).ShouldUpdate())
}

func TestUpdateLockFile_LateBinding(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	l := New(filepath.Join(dir, "update.lock"), nil)
	assert.Equal(t, GoAhead, l.ShouldUpdate())

	require.NoError(t, os.MkdirAll(dir, 0o755))
	assert.Equal(t, GoAhead, l.ShouldUpdate())
	assert.Equal(t, NoUpdate, New(filepath.Join(dir, "update.lock"), nil).ShouldUpdate())
	l.UpdateComplete()
}

func TestUpdateLockFile_FlockErrorSkipsUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	l := New(path, nil)
	l.flock = func(int, int) error { return unix.ENOLCK }
	assert.Equal(t, NoUpdate, l.ShouldUpdate())
	l.UpdateComplete()

	l.flock = unix.Flock
	assert.Equal(t, GoAhead, l.ShouldUpdate())
	l.UpdateComplete()
}
