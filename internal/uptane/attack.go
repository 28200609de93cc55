/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

// Attack classifies a rejected verification for the manifest's
// attacks_detected field.
type Attack int

const (
	AttackNone Attack = iota
	AttackRootThreshold
	AttackTargetsThreshold
	AttackRootVersion
	AttackTargetsVersion
	AttackRootExpired
	AttackTargetsExpired
	AttackRootLarge
	AttackTargetsLarge
	AttackImageHash
	AttackImageLarge
)

func (a Attack) String() string {
	switch a {
	case AttackNone:
		return ""
	case AttackRootThreshold:
		return "Failed threshold for root metadata"
	case AttackTargetsThreshold:
		return "Failed threshold for targets metadata"
	case AttackRootVersion:
		return "Root rollback attempted"
	case AttackTargetsVersion:
		return "Targets rollback attempted"
	case AttackRootExpired:
		return "Root metadata has expired"
	case AttackTargetsExpired:
		return "Targets metadata has expired"
	case AttackRootLarge:
		return "Root metadata size exceeds the limit"
	case AttackTargetsLarge:
		return "Targets metadata size exceeds the limit"
	case AttackImageHash:
		return "Firmware image hash verification failed"
	case AttackImageLarge:
		return "Firmware image length mismatch"
	default:
		return "Unknown"
	}
}
