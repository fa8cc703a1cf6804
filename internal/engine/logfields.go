package engine

import (
	"strconv"

	"go.uber.org/zap"
)

func zapKey(key string) zap.Field {
	return zap.String("key", key)
}

func zapOutcome(o AddOutcome) zap.Field {
	return zap.String("outcome", string(o))
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
