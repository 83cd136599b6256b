package intercept

import (
	"crypto/sha1"
	"runtime"
	"strings"

	"github.com/mtraver/base91"
	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// HashValuePrefix marks a formatted value that was replaced by its hash because it exceeded the size limit.
const HashValuePrefix = "#h:"

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// limitValue returns the value unchanged when within maxLen, otherwise a compact base91 encoded hash of it.
func limitValue(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	sha := sha1.Sum([]byte(s))
	return HashValuePrefix + base91.StdEncoding.EncodeToString(sha[:])
}

func indent(sb *strings.Builder, n int) {
	for i := 0; i < n; i++ {
		sb.WriteByte(' ')
	}
}
