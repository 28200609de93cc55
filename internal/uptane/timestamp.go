/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const timeStampLayout = "2006-01-02T15:04:05Z"

var ErrInvalidTimeStamp = errors.New("invalid timestamp")

// TimeStamp is a UTC instant in the 20 character RFC 3339 form
// "YYYY-MM-DDTHH:MM:SSZ". The zero value is invalid and never orders
// before or after anything.
type TimeStamp struct {
	value string
}

// ParseTimeStamp rejects anything that is not exactly 20 characters
// ending in 'Z'.
func ParseTimeStamp(s string) (TimeStamp, error) {
	if len(s) != len(timeStampLayout) || s[len(s)-1] != 'Z' {
		return TimeStamp{}, fmt.Errorf("%w: %q", ErrInvalidTimeStamp, s)
	}
	if _, err := time.Parse(timeStampLayout, s); err != nil {
		return TimeStamp{}, fmt.Errorf("%w: %q", ErrInvalidTimeStamp, s)
	}
	return TimeStamp{value: s}, nil
}

func TimeStampFromTime(t time.Time) TimeStamp {
	return TimeStamp{value: t.UTC().Format(timeStampLayout)}
}

func Now() TimeStamp { return TimeStampFromTime(time.Now()) }

func (t TimeStamp) IsValid() bool  { return len(t.value) == len(timeStampLayout) }
func (t TimeStamp) String() string { return t.value }

// Before reports t < o; false when either side is invalid.
func (t TimeStamp) Before(o TimeStamp) bool {
	if !t.IsValid() || !o.IsValid() {
		return false
	}
	// fixed width layout orders lexically
	return t.value < o.value
}

// IsExpiredAt fails closed: an invalid timestamp on either side counts as
// expired.
func (t TimeStamp) IsExpiredAt(now TimeStamp) bool {
	if !t.IsValid() || !now.IsValid() {
		return true
	}
	return t.Before(now)
}

func (t TimeStamp) Time() (time.Time, error) {
	if !t.IsValid() {
		return time.Time{}, ErrInvalidTimeStamp
	}
	return time.Parse(timeStampLayout, t.value)
}

func (t TimeStamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.value)
}

func (t *TimeStamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ts, err := ParseTimeStamp(s)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}
