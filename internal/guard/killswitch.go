package guard

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const killSwitchKey = "guard:killswitch"

// KillSwitch is the global stop for all real executions. The static config
// flag always wins; the Redis key allows live toggling without a restart.
// A Redis failure never engages the switch on its own.
type KillSwitch struct {
	client *redis.Client
	static bool
}

// NewKillSwitch builds the switch from the boot-time config value.
func NewKillSwitch(client *redis.Client, static bool) *KillSwitch {
	return &KillSwitch{client: client, static: static}
}

// Engaged reports whether executions must be refused.
func (k *KillSwitch) Engaged(ctx context.Context) bool {
	if k.static {
		return true
	}
	if k.client == nil {
		return false
	}
	v, err := k.client.Get(ctx, killSwitchKey).Result()
	if err != nil {
		return false
	}
	return v == "1" || v == "on" || v == "true"
}

// Set toggles the live switch in Redis.
func (k *KillSwitch) Set(ctx context.Context, engaged bool) error {
	if engaged {
		return k.client.Set(ctx, killSwitchKey, "1", 0).Err()
	}
	return k.client.Del(ctx, killSwitchKey).Err()
}
