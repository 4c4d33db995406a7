package main

import (
	"strconv"
	"time"
)

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func parseInt(s string) (int, error) {
	v, err := strconv.Atoi(s)
	return v, err
}

func durationMillis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
