package cache

import "fmt"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("genqueue:job:%s", jobID)
}

func RateLimitKey(scope, client string) string {
	return fmt.Sprintf("genqueue:ratelimit:%s:%s", scope, client)
}
