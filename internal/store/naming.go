package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const markerTimeFormat = "20060102T150405.000000000"

// MarkedName inserts the error marker and a timestamp before the extension,
// so t1.json becomes t1.error-20261019T083000.000000000.json and keeps its codec.
func MarkedName(name string, now time.Time) string {
	return markedName(name, now, 0)
}

func markedName(name string, now time.Time, n int) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	marker := ".error-" + now.UTC().Format(markerTimeFormat)
	if n > 0 {
		marker += fmt.Sprintf("-%d", n)
	}
	return stem + marker + ext
}

// UniqueName returns name if it is free in stage, otherwise a marked variant
// that does not collide with anything already there.
func UniqueName(s Store, stage Stage, name string, now time.Time) string {
	if !s.Exists(stage, name) {
		return name
	}
	return UniqueMarkedName(s, stage, name, now)
}

// UniqueMarkedName always marks name and then disambiguates with a counter.
func UniqueMarkedName(s Store, stage Stage, name string, now time.Time) string {
	candidate := markedName(name, now, 0)
	for i := 1; s.Exists(stage, candidate); i++ {
		candidate = markedName(name, now, i)
	}
	return candidate
}
