/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import "strconv"

var sizeUnits = [...]string{"kB", "MB", "GB", "TB"}

// humanReadableSize renders a response size in decimal units for the access log.
func humanReadableSize(bytes int64) string {
	if bytes < 1000 {
		return strconv.FormatInt(bytes, 10) + " B"
	}

	size := float64(bytes) / 1000
	unit := 0
	for size >= 1000 && unit < len(sizeUnits)-1 {
		size /= 1000
		unit++
	}

	return strconv.FormatFloat(size, 'f', 1, 64) + " " + sizeUnits[unit]
}
