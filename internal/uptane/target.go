/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"encoding/json"
	"fmt"
	"sort"
)

type EcuSerial string

type HardwareID string

func (s EcuSerial) String() string  { return string(s) }
func (h HardwareID) String() string { return string(h) }

// Target is an image entry of Targets metadata.
type Target struct {
	Filename      string
	Length        int64
	Hashes        []Hash
	Ecus          map[EcuSerial]HardwareID
	HardwareIDs   []HardwareID
	URI           string
	Type          string
	CorrelationID string
	Custom        map[string]any
}

type targetJSON struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom map[string]any    `json:"custom,omitempty"`
}

// ParseTarget decodes one entry of a Targets "targets" map. Director
// entries name their ECUs under custom.ecuIdentifiers, image repository
// entries list custom.hardwareIds.
func ParseTarget(filename string, raw json.RawMessage) (Target, error) {
	var tj targetJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return Target{}, fmt.Errorf("target %s: %w", filename, err)
	}
	if tj.Length < 0 {
		return Target{}, fmt.Errorf("target %s: negative length", filename)
	}
	t := Target{
		Filename: filename,
		Length:   tj.Length,
		Hashes:   hashesFromMap(tj.Hashes),
		Ecus:     map[EcuSerial]HardwareID{},
		Custom:   tj.Custom,
	}
	if t.Custom == nil {
		t.Custom = map[string]any{}
	}
	if ids, ok := t.Custom["ecuIdentifiers"].(map[string]any); ok {
		for serial, v := range ids {
			entry, _ := v.(map[string]any)
			hwid, _ := entry["hardwareId"].(string)
			t.Ecus[EcuSerial(serial)] = HardwareID(hwid)
		}
	}
	if hwids, ok := t.Custom["hardwareIds"].([]any); ok {
		for _, v := range hwids {
			if s, ok := v.(string); ok {
				t.HardwareIDs = append(t.HardwareIDs, HardwareID(s))
			}
		}
	}
	t.URI, _ = t.Custom["uri"].(string)
	t.Type, _ = t.Custom["targetFormat"].(string)
	return t, nil
}

// IsValid requires a name and at least one supported hash.
func (t Target) IsValid() bool {
	if t.Filename == "" {
		return false
	}
	for _, h := range t.Hashes {
		if h.IsSupported() {
			return true
		}
	}
	return false
}

// MatchTarget compares name, length and the hashes both sides carry.
func (t Target) MatchTarget(o Target) bool {
	return t.Filename == o.Filename && t.Length == o.Length && HashesMatch(t.Hashes, o.Hashes)
}

// MatchHash reports whether any supported digest of t equals h.
func (t Target) MatchHash(h Hash) bool {
	for _, x := range t.Hashes {
		if x.Equal(h) {
			return true
		}
	}
	return false
}

func (t Target) IsForEcu(serial EcuSerial) bool {
	_, ok := t.Ecus[serial]
	return ok
}

// SHA256 returns the hex SHA-256 digest, empty when absent.
func (t Target) SHA256() string {
	h, _ := FindHash(t.Hashes, HashSHA256)
	return h.Value
}

// InsertEcu assigns the target to one more ECU.
func (t *Target) InsertEcu(serial EcuSerial, hwid HardwareID) {
	if t.Ecus == nil {
		t.Ecus = map[EcuSerial]HardwareID{}
	}
	t.Ecus[serial] = hwid
}

// SortedEcus lists the assigned ECU serials in order.
func (t Target) SortedEcus() []EcuSerial {
	out := make([]EcuSerial, 0, len(t.Ecus))
	for s := range t.Ecus {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HashesMap renders the digests as {"sha256": "..."}.
func (t Target) HashesMap() map[string]string { return hashesToMap(t.Hashes) }

// TargetRecord is the stored form of a target.
type TargetRecord struct {
	Filename      string            `json:"filename"`
	Length        int64             `json:"length"`
	Hashes        map[string]string `json:"hashes"`
	Ecus          map[string]string `json:"ecus,omitempty"`
	HardwareIDs   []string          `json:"hardwareIds,omitempty"`
	URI           string            `json:"uri,omitempty"`
	Type          string            `json:"targetFormat,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Custom        map[string]any    `json:"custom,omitempty"`
}

func (t Target) Record() TargetRecord {
	r := TargetRecord{
		Filename:      t.Filename,
		Length:        t.Length,
		Hashes:        t.HashesMap(),
		URI:           t.URI,
		Type:          t.Type,
		CorrelationID: t.CorrelationID,
		Custom:        t.Custom,
	}
	if len(t.Ecus) > 0 {
		r.Ecus = make(map[string]string, len(t.Ecus))
		for s, h := range t.Ecus {
			r.Ecus[string(s)] = string(h)
		}
	}
	for _, h := range t.HardwareIDs {
		r.HardwareIDs = append(r.HardwareIDs, string(h))
	}
	return r
}

func (r TargetRecord) Target() Target {
	t := Target{
		Filename:      r.Filename,
		Length:        r.Length,
		Hashes:        hashesFromMap(r.Hashes),
		Ecus:          make(map[EcuSerial]HardwareID, len(r.Ecus)),
		URI:           r.URI,
		Type:          r.Type,
		CorrelationID: r.CorrelationID,
		Custom:        r.Custom,
	}
	for s, h := range r.Ecus {
		t.Ecus[EcuSerial(s)] = HardwareID(h)
	}
	for _, h := range r.HardwareIDs {
		t.HardwareIDs = append(t.HardwareIDs, HardwareID(h))
	}
	return t
}

func (t Target) MarshalJSON() ([]byte, error) { return json.Marshal(t.Record()) }

func (t *Target) UnmarshalJSON(b []byte) error {
	var r TargetRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*t = r.Target()
	return nil
}

// UnknownTarget describes an installed image the repositories never
// listed, identified by hash only.
func UnknownTarget(filename string, h Hash, length int64) Target {
	return Target{Filename: filename, Hashes: []Hash{h}, Length: length, Ecus: map[EcuSerial]HardwareID{}}
}
