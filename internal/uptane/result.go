/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/kentakayama/uptane-primary/internal/util"
)

type ResultNumeric int

const (
	ResultOK                 ResultNumeric = 0
	ResultAlreadyProcessed   ResultNumeric = 1
	ResultVerificationFailed ResultNumeric = 3
	ResultInstallFailed      ResultNumeric = 4
	ResultDownloadFailed     ResultNumeric = 5
	ResultInternalError      ResultNumeric = 18
	ResultGeneralError       ResultNumeric = 19
	ResultNeedCompletion     ResultNumeric = 21
	ResultCustomError        ResultNumeric = 22
	ResultOperationCancelled ResultNumeric = 23
	ResultUnknown            ResultNumeric = -1
)

var resultNames = map[ResultNumeric]string{
	ResultOK:                 "OK",
	ResultAlreadyProcessed:   "ALREADY_PROCESSED",
	ResultVerificationFailed: "VERIFICATION_FAILED",
	ResultInstallFailed:      "INSTALL_FAILED",
	ResultDownloadFailed:     "DOWNLOAD_FAILED",
	ResultInternalError:      "INTERNAL_ERROR",
	ResultGeneralError:       "GENERAL_ERROR",
	ResultNeedCompletion:     "NEED_COMPLETION",
	ResultCustomError:        "CUSTOM_ERROR",
	ResultOperationCancelled: "OPERATION_CANCELLED",
	ResultUnknown:            "UNKNOWN",
}

var ErrQuoteInResultCode = errors.New("result code cannot contain double quotes")

// ResultCode pairs a numeric installation outcome with its textual form.
// The text may be overridden by package managers reporting custom codes.
type ResultCode struct {
	Num ResultNumeric
	str string
}

func NewResultCode(n ResultNumeric) ResultCode {
	return ResultCode{Num: n}
}

func NewCustomResultCode(n ResultNumeric, s string) ResultCode {
	return ResultCode{Num: n, str: s}
}

func (c ResultCode) String() string {
	if c.str != "" {
		return c.str
	}
	if s, ok := resultNames[c.Num]; ok {
		return s
	}
	return resultNames[ResultUnknown]
}

func (c ResultCode) Equal(o ResultCode) bool {
	return c.Num == o.Num && c.String() == o.String()
}

// Repr renders `"NAME":N`.
func (c ResultCode) Repr() (string, error) {
	s := c.String()
	if strings.Contains(s, `"`) {
		return "", ErrQuoteInResultCode
	}
	return `"` + s + `":` + strconv.Itoa(int(c.Num)), nil
}

// ResultCodeFromRepr parses both `"NAME":N` and the legacy `NAME:N`.
// A missing number yields ResultUnknown carrying the parsed name.
func ResultCodeFromRepr(repr string) ResultCode {
	var s string
	col := -1
	if q := strings.IndexByte(repr, '"'); q >= 0 && q < len(repr)-1 {
		end := strings.IndexByte(repr[q+1:], '"')
		if end < 0 {
			s = repr[q+1:]
		} else {
			end += q + 1
			s = repr[q+1 : end]
			if c := strings.IndexByte(repr[end+1:], ':'); c >= 0 {
				col = c + end + 1
			}
		}
	} else {
		col = strings.IndexByte(repr, ':')
		if col < 0 {
			s = repr
		} else {
			s = repr[:col]
		}
	}
	if col < 0 || col >= len(repr)-1 {
		return ResultCode{Num: ResultUnknown, str: s}
	}
	n, err := strconv.Atoi(strings.TrimSpace(repr[col+1:]))
	if err != nil {
		return ResultCode{Num: ResultUnknown, str: s}
	}
	return ResultCode{Num: ResultNumeric(n), str: s}
}

// InstallationResult is the outcome of installing one target on one ECU,
// or of a whole device update.
type InstallationResult struct {
	Success        bool
	NeedCompletion bool
	Code           ResultCode
	Description    string
}

func NewInstallationResult(code ResultCode, description string) InstallationResult {
	return InstallationResult{
		Success:        code.Num == ResultOK || code.Num == ResultAlreadyProcessed,
		NeedCompletion: code.Num == ResultNeedCompletion,
		Code:           code,
		Description:    description,
	}
}

func (r InstallationResult) IsSuccess() bool { return r.Success }

type installationResultJSON struct {
	Success     bool   `json:"success"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (r InstallationResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(installationResultJSON{
		Success:     r.Success,
		Code:        r.Code.String(),
		Description: r.Description,
	})
}

func (r *InstallationResult) UnmarshalJSON(b []byte) error {
	var raw installationResultJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	code := NewCustomResultCode(ResultCustomError, raw.Code)
	for n, name := range resultNames {
		if name == raw.Code {
			code = NewResultCode(n)
			break
		}
	}
	*r = InstallationResult{
		Success:        raw.Success,
		NeedCompletion: code.Num == ResultNeedCompletion,
		Code:           code,
		Description:    raw.Description,
	}
	return nil
}

// MergeJSON returns a copy of a with the keys of b added wherever a lacks
// them or holds null. Objects present on both sides are merged
// recursively; any other value already in a wins. Top level keys listed in
// ignore are never taken from b.
func MergeJSON(a, b map[string]any, ignore ...string) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	skip := util.SetOf(ignore...)
	for k, bv := range b {
		if skip.Has(k) {
			continue
		}
		av, ok := out[k]
		if !ok || av == nil {
			out[k] = bv
			continue
		}
		am, aIsObj := av.(map[string]any)
		bm, bIsObj := bv.(map[string]any)
		if aIsObj && bIsObj {
			out[k] = MergeJSON(am, bm)
		}
	}
	return out
}
