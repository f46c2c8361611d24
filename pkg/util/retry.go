package util

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Retry runs fn up to attempts times, sleeping a fixed delay between attempts.
// It returns nil as soon as fn succeeds, otherwise the last error seen. The
// same primitive paces SSH connection attempts against freshly booted hosts
// and floating-IP confirmation polls against the cloud control plane.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	err := wait.ExponentialBackoff(wait.Backoff{Steps: attempts, Duration: delay}, func() (bool, error) {
		if err := fn(); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	if wait.Interrupted(err) {
		return lastErr
	}
	return err
}
