package helper

import (
	"strconv"
	"strings"
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}

// FormatByteSize renders size with a binary unit, e.g. 1.5 KB.
func FormatByteSize(size int64) string {
	if size < 0 {
		return "-" + FormatByteSize(-size)
	}

	u := 0
	fsize := float64(size)

	for fsize >= 1024 && u < len(byteUnits)-1 {
		fsize /= 1024
		u++
	}

	if fsize+0.05 >= 1024 && u < len(byteUnits)-1 {
		fsize = 1
		u++
	}

	return strings.TrimSuffix(strconv.FormatFloat(fsize, 'f', 1, 64), ".0") + " " + byteUnits[u]
}
