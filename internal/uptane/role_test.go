/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_ParseBuiltin(t *testing.T) {
	assert.Equal(t, RoleRoot, ParseRole("Root"))
	assert.Equal(t, RoleTargets, ParseRole("TARGETS"))
	assert.Equal(t, RoleOfflineSnapshot, ParseRole("offline-snapshot"))
	assert.Equal(t, "invalidrole", ParseRole("whatever").String())
	assert.False(t, ParseRole("whatever").IsValid())
}

func TestRole_Delegation(t *testing.T) {
	d, err := NewDelegation("MyDelegation")
	require.NoError(t, err)
	assert.Equal(t, "MyDelegation", d.String())
	assert.True(t, d.IsDelegation())

	_, err = NewDelegation("Snapshot")
	assert.EqualError(t, err, "delegated role name Snapshot is reserved")
}

func TestVersion_RoleFileName(t *testing.T) {
	assert.Equal(t, "3.root.json", Version(3).RoleFileName(RoleRoot))
	assert.Equal(t, "timestamp.json", AnyVersion.RoleFileName(RoleTimestamp))
}

func TestTimeStamp_RoundTrip(t *testing.T) {
	ts, err := ParseTimeStamp("2038-01-19T03:14:07Z")
	require.NoError(t, err)
	assert.Equal(t, "2038-01-19T03:14:07Z", ts.String())

	for _, bad := range []string{"", "2038-01-19T03:14:07", "2038-01-19T03:14:07+0", "2038-01-19 03:14:07Z", "12345678901234567890"} {
		_, err := ParseTimeStamp(bad)
		assert.ErrorIs(t, err, ErrInvalidTimeStamp, bad)
	}
}

func TestTimeStamp_ExpiryFailsClosed(t *testing.T) {
	past, _ := ParseTimeStamp("2000-01-01T00:00:00Z")
	future, _ := ParseTimeStamp("2999-01-01T00:00:00Z")
	now := Now()

	assert.True(t, past.IsExpiredAt(now))
	assert.False(t, future.IsExpiredAt(now))
	assert.True(t, TimeStamp{}.IsExpiredAt(now))
	assert.True(t, future.IsExpiredAt(TimeStamp{}))
	assert.False(t, TimeStamp{}.Before(now))
	assert.False(t, now.Before(TimeStamp{}))
}

func TestResultCode_Repr(t *testing.T) {
	ok := NewResultCode(ResultOK)
	assert.Equal(t, "OK", ok.String())
	repr, err := ok.Repr()
	require.NoError(t, err)
	assert.Equal(t, `"OK":0`, repr)
	assert.True(t, ResultCodeFromRepr(repr).Equal(ok))

	// legacy format
	assert.True(t, ResultCodeFromRepr("OK:0").Equal(ok))

	assert.False(t, ok.Equal(NewCustomResultCode(ResultOK, "OK2")))
	assert.False(t, ok.Equal(NewCustomResultCode(ResultGeneralError, "OK")))
	assert.True(t, ResultCodeFromRepr("OK").Equal(NewCustomResultCode(ResultUnknown, "OK")))

	_, err = NewCustomResultCode(ResultCustomError, `bad"code`).Repr()
	assert.ErrorIs(t, err, ErrQuoteInResultCode)
}

func TestInstallationResult_Flags(t *testing.T) {
	assert.True(t, NewInstallationResult(NewResultCode(ResultAlreadyProcessed), "").Success)
	r := NewInstallationResult(NewResultCode(ResultNeedCompletion), "reboot")
	assert.False(t, r.Success)
	assert.True(t, r.NeedCompletion)
}

func TestMergeJSON(t *testing.T) {
	a := map[string]any{
		"a": "aaa",
		"n": nil,
		"o": map[string]any{"x": 1.0},
	}
	b := map[string]any{
		"a":   "bbb",
		"n":   "from-b",
		"new": true,
		"o":   map[string]any{"x": 2.0, "y": 3.0},
		"uri": "https://image-repo/file",
	}
	got := MergeJSON(a, b, "uri")
	assert.Equal(t, map[string]any{
		"a":   "aaa",
		"n":   "from-b",
		"new": true,
		"o":   map[string]any{"x": 1.0, "y": 3.0},
	}, got)
	// inputs untouched
	assert.Nil(t, a["n"])
}

func TestMatchPath(t *testing.T) {
	assert.True(t, MatchPath("*.img", "dir/file.img"))
	assert.True(t, MatchPath("file-?.bin", "file-1.bin"))
	assert.False(t, MatchPath("file-?.bin", "file-10.bin"))
	assert.True(t, MatchPath("fw-[0-9].bin", "fw-7.bin"))
	assert.False(t, MatchPath("fw-[!0-9].bin", "fw-7.bin"))
	assert.True(t, MatchPath("a.b", "a.b"))
	assert.False(t, MatchPath("a.b", "axb"))
}

func TestAttack_String(t *testing.T) {
	assert.Equal(t, "", AttackNone.String())
	assert.Equal(t, "Root rollback attempted", AttackRootVersion.String())
	assert.Equal(t, "Firmware image length mismatch", AttackImageLarge.String())
	assert.Equal(t, "Unknown", Attack(99).String())
}
