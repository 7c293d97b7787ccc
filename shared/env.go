package shared

import (
	"fmt"
	"os"
	"strconv"
)

// Version of the module, stamped into log fields by the binaries.
const Version = "0.3.1"

func GetenvString(raw string) (string, error) {
	return raw, nil
}

func GetenvInt(raw string) (int, error) {
	return strconv.Atoi(raw)
}

func GetenvFloat(raw string) (float64, error) {
	return strconv.ParseFloat(raw, 64)
}

func GetenvBool(raw string) (bool, error) {
	return strconv.ParseBool(raw)
}

// Getenv reads key from the environment and parses it with parse. A missing
// variable is an error when required, the fallback otherwise.
func Getenv[T any](parse func(string) (T, error), key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("environment variable %s is required", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv for values the binary cannot start without.
func MustGetenv[T any](parse func(string) (T, error), key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
