package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BalancePolicy holds deduction engine settings that can change without a restart.
type BalancePolicy struct {
	CacheTTL        time.Duration `mapstructure:"cacheTTL"`
	LockTTL         time.Duration `mapstructure:"lockTTL"`
	LockWaitTimeout time.Duration `mapstructure:"lockWaitTimeout"`
	// ReverseDeductionOrgs lists orgs that drain long-interval entitlements first.
	ReverseDeductionOrgs []string `mapstructure:"reverseDeductionOrgs"`
}

func DefaultBalancePolicy() BalancePolicy {
	return BalancePolicy{
		CacheTTL:        time.Hour,
		LockTTL:         60 * time.Second,
		LockWaitTimeout: 2 * time.Second,
	}
}

// ReverseOrder reports whether the org drains entitlements longest interval first.
func (p BalancePolicy) ReverseOrder(orgID string) bool {
	orgID = strings.TrimSpace(orgID)
	for _, id := range p.ReverseDeductionOrgs {
		if strings.TrimSpace(id) == orgID {
			return true
		}
	}
	return false
}

type BalancePolicyHolder struct {
	current atomic.Value // holds BalancePolicy
}

// NewStaticBalancePolicyHolder returns a holder that never reloads.
func NewStaticBalancePolicyHolder(policy BalancePolicy) *BalancePolicyHolder {
	holder := &BalancePolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewBalancePolicyHolder() (*BalancePolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("balance")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/balancer/config")
	v.AddConfigPath("/etc/balancer")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBalancePolicy()
	v.SetDefault("balance.cacheTTL", defaults.CacheTTL)
	v.SetDefault("balance.lockTTL", defaults.LockTTL)
	v.SetDefault("balance.lockWaitTimeout", defaults.LockWaitTimeout)
	v.SetDefault("balance.reverseDeductionOrgs", []string{})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy BalancePolicy
	if err := v.UnmarshalKey("balance", &policy); err != nil {
		return nil, err
	}
	if err := validateBalancePolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticBalancePolicyHolder(policy)

	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated BalancePolicy
			if err := v.UnmarshalKey("balance", &updated); err != nil {
				log.Printf("[balance-config] reload failed: %v", err)
				return
			}
			if err := validateBalancePolicy(updated); err != nil {
				log.Printf("[balance-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[balance-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *BalancePolicyHolder) Get() BalancePolicy {
	if h == nil {
		return DefaultBalancePolicy()
	}
	policy, ok := h.current.Load().(BalancePolicy)
	if !ok {
		return DefaultBalancePolicy()
	}
	return policy
}

func validateBalancePolicy(p BalancePolicy) error {
	if p.LockTTL <= 0 {
		return errors.New("balance.lockTTL must be positive")
	}
	if p.LockWaitTimeout < 0 {
		return errors.New("balance.lockWaitTimeout cannot be negative")
	}
	if p.LockWaitTimeout >= p.LockTTL {
		return errors.New("balance.lockWaitTimeout must be shorter than balance.lockTTL")
	}
	if p.CacheTTL <= 0 {
		return errors.New("balance.cacheTTL must be positive")
	}
	return nil
}
