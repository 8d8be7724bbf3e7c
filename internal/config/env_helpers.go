package config

import (
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// lookupEnv returns the trimmed value of key and whether it was set non-empty.
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func ignoredEnv(key, value, want string) {
	log.WithFields(log.Fields{"env": key, "value": value}).Warnf("ignoring environment override: expected %s", want)
}

func setStringFromEnv(key string, target *string) {
	if v, ok := lookupEnv(key); ok {
		*target = v
	}
}

func setIntFromEnv(key string, target *int) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		ignoredEnv(key, v, "an integer")
		return
	}
	*target = n
}

func setFloatFromEnv(key string, target *float64) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		ignoredEnv(key, v, "a number")
		return
	}
	*target = f
}

func setToggleFromEnv(key string, target *bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*target = true
	case "0", "false", "no", "off":
		*target = false
	default:
		ignoredEnv(key, v, "a boolean")
	}
}

// normalizeBasePath turns "", "/" and "api//v1/" into "", "" and "/api/v1".
func normalizeBasePath(raw string) string {
	path := strings.Trim(strings.TrimSpace(raw), "/")
	if path == "" {
		return ""
	}
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	return "/" + strings.Join(parts, "/")
}
