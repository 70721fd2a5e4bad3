// Package utils provides small helpers shared by the HTTP and service layers.
package utils

import (
	"strconv"
	"strings"
)

// Page bounds for list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as a base-10 int, ignoring surrounding blanks, and
// returns def when s is empty or not a number.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ClampPage parses raw page and page_size query values. Page is at least 1;
// size defaults to DefaultPageSize and is kept within [1, MaxPageSize].
func ClampPage(rawPage, rawSize string) (page, size int) {
	page = AtoiDefault(rawPage, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(rawSize, DefaultPageSize)
	switch {
	case size < 1:
		size = 1
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

// TotalPages is ceil(total/size); zero when size is not positive.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
