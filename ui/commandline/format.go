// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/gonb/gonbui"
)

var durationRegex = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegex.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

// humanizeInt formats n with thousands separators.
func humanizeInt(n int) string {
	return humanize.Comma(int64(n))
}

const bashKernelEnv = "NOTEBOOK_BASH_KERNEL_CAPABILITIES"

// IsNotebook returns whether running inside a Jupyter notebook, with a GoNB or a bash_kernel kernel.
func IsNotebook() bool {
	if gonbui.IsNotebook {
		return true
	}
	_, found := os.LookupEnv(bashKernelEnv)
	return found
}
