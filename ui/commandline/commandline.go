// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: parsing of
// hyperparameter settings (see Settings), progress bars, and pretty-printing of values.
package commandline

import (
	"github.com/dustin/go-humanize"
)

// HumanizeCount formats a count (of parameters, of steps) with thousands separators. E.g.: 66_955_010 -> "66,955,010".
func HumanizeCount[I ~int | ~int64 | ~uint64](n I) string {
	return humanize.Comma(int64(n))
}
