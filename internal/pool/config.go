package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/creasty/defaults"
)

// Settings is a plain copy of the pool tunables.
type Settings struct {
	MinPoolSize          int           `default:"3"`
	MaxPoolSize          int           `default:"10"`
	ValidateOnCheckOut   bool          `default:"false"`
	ValidateOnCheckIn    bool          `default:"false"`
	ValidatePeriodically bool          `default:"false"`
	ValidatePeriod       time.Duration `default:"30m"`
	PrunePeriod          time.Duration `default:"5m"`
	ExpirationTime       time.Duration `default:"10m"`
	BlockWaitTime        time.Duration `default:"0"`
}

func (s Settings) pruningEnabled() bool {
	return s.ExpirationTime > 0 && s.PrunePeriod > 0
}

func (s Settings) validationEnabled() bool {
	return s.ValidatePeriodically && s.ValidatePeriod > 0
}

// Config holds the pool tunables. It is mutable until the owning pool is
// initialized, after which every setter fails with ErrConfigImmutable.
type Config struct {
	mu       sync.RWMutex
	settings Settings
	frozen   bool
}

// DefaultConfig returns a mutable configuration populated with defaults.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.MustSet(&c.settings)
	return c
}

// NewConfig returns a mutable configuration holding a copy of s.
func NewConfig(s Settings) *Config {
	return &Config{settings: s}
}

// MinPoolSize is the number of connections kept open at all times.
func (c *Config) MinPoolSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.MinPoolSize
}

// SetMinPoolSize sets MinPoolSize.
func (c *Config) SetMinPoolSize(n int) error {
	return c.set("min_pool_size", func(s *Settings) { s.MinPoolSize = n })
}

// MaxPoolSize caps the Blocking and Shared pools. SoftLimit pools only
// prune back towards it.
func (c *Config) MaxPoolSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.MaxPoolSize
}

// SetMaxPoolSize sets MaxPoolSize.
func (c *Config) SetMaxPoolSize(n int) error {
	return c.set("max_pool_size", func(s *Settings) { s.MaxPoolSize = n })
}

// ValidateOnCheckOut reports whether connections are validated before they
// are lent.
func (c *Config) ValidateOnCheckOut() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.ValidateOnCheckOut
}

// SetValidateOnCheckOut sets ValidateOnCheckOut.
func (c *Config) SetValidateOnCheckOut(v bool) error {
	return c.set("validate_on_check_out", func(s *Settings) { s.ValidateOnCheckOut = v })
}

// ValidateOnCheckIn reports whether returned connections are validated.
func (c *Config) ValidateOnCheckIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.ValidateOnCheckIn
}

// SetValidateOnCheckIn sets ValidateOnCheckIn.
func (c *Config) SetValidateOnCheckIn(v bool) error {
	return c.set("validate_on_check_in", func(s *Settings) { s.ValidateOnCheckIn = v })
}

// ValidatePeriodically reports whether idle connections are validated in
// the background every ValidatePeriod.
func (c *Config) ValidatePeriodically() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.ValidatePeriodically
}

// SetValidatePeriodically sets ValidatePeriodically.
func (c *Config) SetValidatePeriodically(v bool) error {
	return c.set("validate_periodically", func(s *Settings) { s.ValidatePeriodically = v })
}

// ValidatePeriod is the interval between background validations.
func (c *Config) ValidatePeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.ValidatePeriod
}

// SetValidatePeriod sets ValidatePeriod.
func (c *Config) SetValidatePeriod(d time.Duration) error {
	return c.set("validate_period", func(s *Settings) { s.ValidatePeriod = d })
}

// PrunePeriod is the interval between idle expiry sweeps.
func (c *Config) PrunePeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.PrunePeriod
}

// SetPrunePeriod sets PrunePeriod.
func (c *Config) SetPrunePeriod(d time.Duration) error {
	return c.set("prune_period", func(s *Settings) { s.PrunePeriod = d })
}

// ExpirationTime is how long a connection may stay idle before it can be
// pruned. Zero disables pruning.
func (c *Config) ExpirationTime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.ExpirationTime
}

// SetExpirationTime sets ExpirationTime.
func (c *Config) SetExpirationTime(d time.Duration) error {
	return c.set("expiration_time", func(s *Settings) { s.ExpirationTime = d })
}

// BlockWaitTime bounds how long a blocking check-out waits. Zero waits
// until a connection becomes available or the caller's context is done.
func (c *Config) BlockWaitTime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.BlockWaitTime
}

// SetBlockWaitTime sets BlockWaitTime.
func (c *Config) SetBlockWaitTime(d time.Duration) error {
	return c.set("block_wait_time", func(s *Settings) { s.BlockWaitTime = d })
}

// Frozen reports whether the configuration has become immutable.
func (c *Config) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Validate checks the settings for internal consistency.
func (c *Config) Validate() error {
	return validateSettings(c.Snapshot())
}

// String formats the settings for logging.
func (c *Config) String() string {
	s := c.Snapshot()
	return fmt.Sprintf("minPoolSize=%d, maxPoolSize=%d, validateOnCheckOut=%t, validateOnCheckIn=%t, "+
		"validatePeriodically=%t, validatePeriod=%s, prunePeriod=%s, expirationTime=%s, blockWaitTime=%s",
		s.MinPoolSize, s.MaxPoolSize, s.ValidateOnCheckOut, s.ValidateOnCheckIn,
		s.ValidatePeriodically, s.ValidatePeriod, s.PrunePeriod, s.ExpirationTime, s.BlockWaitTime)
}

// Freeze makes the configuration immutable.
func (c *Config) Freeze() {
	c.freeze()
}

// freeze reports whether this call made the configuration immutable.
func (c *Config) freeze() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return false
	}
	c.frozen = true
	return true
}

// unfreeze is used when initialization fails and the pool stays
// uninitialized. Only the call that froze the configuration may undo it.
func (c *Config) unfreeze() {
	c.mu.Lock()
	c.frozen = false
	c.mu.Unlock()
}

func (c *Config) set(field string, apply func(*Settings)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return newPoolError("configure", ErrorCategoryConfiguration,
			fmt.Sprintf("cannot set %s on an initialized pool", field), ErrConfigImmutable)
	}

	apply(&c.settings)
	return nil
}

func validateSettings(s Settings) error {
	if s.MinPoolSize < 0 {
		return fmt.Errorf("min_pool_size must be non-negative, got %d", s.MinPoolSize)
	}

	if s.MaxPoolSize <= 0 {
		return fmt.Errorf("max_pool_size must be positive, got %d", s.MaxPoolSize)
	}

	if s.MinPoolSize > s.MaxPoolSize {
		return fmt.Errorf("min_pool_size (%d) cannot exceed max_pool_size (%d)", s.MinPoolSize, s.MaxPoolSize)
	}

	if s.ValidatePeriod < 0 || s.PrunePeriod < 0 || s.ExpirationTime < 0 || s.BlockWaitTime < 0 {
		return fmt.Errorf("durations must be non-negative")
	}

	if s.ValidatePeriodically && s.ValidatePeriod == 0 {
		return fmt.Errorf("validate_period must be positive when validate_periodically is enabled")
	}

	if s.ExpirationTime > 0 && s.PrunePeriod == 0 {
		return fmt.Errorf("prune_period must be positive when expiration_time is set")
	}

	return nil
}
